package usbtransport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// bulkInReader is the minimal contract an async bulk-IN ring slot needs:
// one blocking read per USB transfer, honoring ctx cancellation.
// *gousb.InEndpoint satisfies this via ReadContext; tests substitute a
// fake so the pipelining logic is exercised without real hardware.
type bulkInReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Consumer is invoked once per transfer completion, in completion order,
// never concurrently. data is nil on a transfer-level error. The return
// value dictates whether that ring slot is resubmitted (true) or the
// whole session should wind down (false); a slot whose transfer failed
// is never resubmitted, whatever the return value.
type Consumer func(data []byte, length int) bool

// completion carries one transfer's result into the single serializing
// consumer goroutine, plus a private channel the consumer uses to tell
// that ring slot whether to resubmit.
type completion struct {
	data   []byte
	resume chan bool
}

// AsyncSession is a pipelined, N-buffer asynchronous bulk-IN reader. It
// emulates libusb's ring-of-N-outstanding-transfers model (see
// original_source/src/usbimpl_libusb.c) on top of N goroutines each
// blocked in one slot's ReadContext; a single goroutine serializes
// delivery to Consumer so callbacks never re-enter concurrently, and
// the order transfers land on the shared completions channel is the
// session's observed "transfer-completion order".
type AsyncSession struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	submitted int
}

// StartAsyncBulkIn allocates n buffers of bufSize bytes, submits one
// read per buffer, and begins delivering completions to consumer. It
// returns once all n reads have been issued (not once they complete).
func StartAsyncBulkIn(ep bulkInReader, n, bufSize int, timeout time.Duration, consumer Consumer) (*AsyncSession, error) {
	if n <= 0 {
		return nil, fmt.Errorf("usbtransport: async bulk-in requires n > 0, got %d", n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncSession{cancel: cancel}

	completions := make(chan completion)
	s.mu.Lock()
	s.submitted = n
	s.mu.Unlock()

	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.runSlot(ctx, ep, bufSize, timeout, completions)
	}

	// Drain completions on a single goroutine so Consumer is never
	// called concurrently; close completions once every slot has
	// decremented to zero, unblocking Finish.
	go func() {
		s.wg.Wait()
		close(completions)
	}()
	go func() {
		for c := range completions {
			cont := consumer(c.data, len(c.data))
			if !cont {
				s.cancel()
			}
			c.resume <- cont
		}
	}()

	return s, nil
}

func (s *AsyncSession) runSlot(ctx context.Context, ep bulkInReader, bufSize int, timeout time.Duration, completions chan<- completion) {
	defer s.wg.Done()
	buf := make([]byte, bufSize)
	for {
		tctx, tcancel := context.WithTimeout(ctx, timeout)
		n, err := ep.ReadContext(tctx, buf)
		tcancel()

		if err != nil {
			if ctx.Err() != nil {
				// Cancelled: no data, no callback invocation, just
				// decrement the submitted count (wg.Done via defer).
				s.decrementSubmitted()
				return
			}
			// Transfer-level error: signal it as data==nil.
			resume := make(chan bool)
			completions <- completion{data: nil, resume: resume}
			cont := <-resume
			s.decrementSubmitted()
			if !cont {
				return
			}
			// Even when the consumer returns true after an error, the
			// slot stops here: a transfer-level error is unconditionally
			// terminal for that slot, so the slot never resubmits.
			return
		}

		resume := make(chan bool)
		completions <- completion{data: buf[:n:n], resume: resume}
		cont := <-resume
		if !cont {
			s.decrementSubmitted()
			return
		}
		// continue: loop back around and resubmit this slot.
	}
}

func (s *AsyncSession) decrementSubmitted() {
	s.mu.Lock()
	s.submitted--
	s.mu.Unlock()
}

// Submitted returns the current count of in-flight (or awaiting-resume)
// transfers. It reaches zero only once the session is fully quiesced.
func (s *AsyncSession) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Cancel requests cancellation of every outstanding transfer. It is
// idempotent (context.CancelFunc already is) and safe to call on a
// session where some ring slots never started: runSlot goroutines that
// were never spawned simply never exist to cancel.
func (s *AsyncSession) Cancel() {
	s.cancel()
}

// Finish waits until the session has fully quiesced (submitted count
// reaches zero, all buffers released by goroutine exit) and releases
// the session. It always succeeds once quiescence is reached; there is
// no failure mode distinct from the errors already delivered to
// Consumer via nil-data completions.
func (s *AsyncSession) Finish() error {
	s.wg.Wait()
	return nil
}
