// Package capture drives the per-(track,side) KryoFlux capture loop: it
// positions the head, streams raw flux from the device, validates it on
// the fly with kfstream, and persists the verbatim byte stream to a
// per-track file.
package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/sergev/kryoflux/kfstream"
	"github.com/sergev/kryoflux/usbtransport"
)

// Side selection modes, matching the CLI collaborator's side-mode
// option in spec.md §6.
const (
	SideSingle0 = 0
	SideSingle1 = 1
	SideBoth    = 2
)

// Config is the plain configuration object the CLI collaborator hands
// to Run; the core never parses flags itself.
type Config struct {
	OutputBase string
	DriveID    byte
	Density    byte
	StartTrack byte
	EndTrack   byte
	SideMode   int
	Step       byte
}

func (c Config) step() byte {
	if c.Step == 0 {
		return 1
	}
	return c.Step
}

func (c Config) sides() []byte {
	switch c.SideMode {
	case SideSingle0:
		return []byte{0}
	case SideSingle1:
		return []byte{1}
	default:
		return []byte{0, 1}
	}
}

// DeviceController is the subset of *device.Controller the orchestrator
// needs. Declared here, rather than imported from the device package
// directly, so capture can be tested against a mock device controller
// (spec.md §8 scenario 6) without any USB dependency at all.
type DeviceController interface {
	Configure(driveID, density, minTrack, maxTrack byte) error
	MotorOn(side, track byte) error
	MotorOff() error
	StreamOn() error
	StreamOff() error
	StartAsyncRead(consumer usbtransport.Consumer) (*usbtransport.AsyncSession, error)
	FinishAsyncRead(session *usbtransport.AsyncSession) error
}

// TrackResult reports one (track,side) capture outcome.
type TrackResult struct {
	Track byte
	Side  byte
	Path  string
	OK    bool
	Err   error
}

// Run configures the device once, then captures every requested
// (track,side) coordinate in turn, stopping at the first failed track.
// Once Configure has succeeded, MotorOff is always attempted on the way
// out, even when a track fails (design note (d): motor/stream-off is a
// general recovery policy).
func Run(dc DeviceController, cfg Config) ([]TrackResult, error) {
	if cfg.OutputBase == "" {
		return nil, fmt.Errorf("capture: output base name is required")
	}
	if err := dc.Configure(cfg.DriveID, cfg.Density, cfg.StartTrack, cfg.EndTrack); err != nil {
		return nil, fmt.Errorf("capture: configure: %w", err)
	}
	defer dc.MotorOff()

	sides := cfg.sides()
	var results []TrackResult

	for track := cfg.StartTrack; track <= cfg.EndTrack; track += cfg.step() {
		for _, side := range sides {
			fmt.Printf("\rCapturing track %d, side %d...", track, side)

			if err := dc.MotorOn(side, track); err != nil {
				return results, fmt.Errorf("capture: motor on track %d side %d: %w", track, side, err)
			}

			path := fmt.Sprintf("%s%02d.%d.raw", cfg.OutputBase, track, side)
			ok, err := CaptureTrack(dc, path, track, side)
			results = append(results, TrackResult{Track: track, Side: side, Path: path, OK: ok, Err: err})
			if !ok {
				fmt.Printf(" FAILED\n")
				return results, fmt.Errorf("capture: track %d side %d: %w", track, side, err)
			}
		}
	}
	fmt.Printf(" Done\n")
	return results, nil
}

// trackState adapts a single track's decoder + output file into the
// async-session Consumer shape spec.md §4.4 describes.
type trackState struct {
	file    *os.File
	decoder *kfstream.Decoder
	failed  bool
}

func (s *trackState) consume(data []byte, length int) bool {
	if s.failed || s.decoder.Complete() || s.decoder.Failed() {
		return false
	}
	if data == nil {
		s.failed = true
		return false
	}
	if length == 0 {
		return true
	}
	chunk := data[:length]
	if err := s.decoder.Feed(chunk); err != nil {
		s.failed = true
		return false
	}
	if _, err := s.file.Write(chunk); err != nil {
		s.failed = true
		return false
	}
	return !s.decoder.Complete()
}

// CaptureTrack runs the per-track algorithm from spec.md §4.4: open
// file, write preamble, reset decoder, start the async read -> stream-on
// -> wait for the read to finish -> stream-off, close file. It reports ok=true iff the file closed
// cleanly and the decoder reached Complete() without Failed().
func CaptureTrack(dc DeviceController, path string, track, side byte) (ok bool, err error) {
	file, ferr := os.Create(path)
	if ferr != nil {
		return false, fmt.Errorf("capture: open %s: %w", path, ferr)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("capture: close %s: %w", path, cerr)
			ok = false
		}
	}()

	if perr := writePreamble(file); perr != nil {
		return false, fmt.Errorf("capture: write preamble: %w", perr)
	}

	state := &trackState{file: file, decoder: kfstream.New()}

	session, serr := dc.StartAsyncRead(state.consume)
	if serr != nil {
		return false, fmt.Errorf("capture: start async read: %w", serr)
	}

	onErr := dc.StreamOn()
	if onErr != nil {
		session.Cancel()
		dc.FinishAsyncRead(session)
		dc.StreamOff()
		return false, fmt.Errorf("capture: stream on: %w", onErr)
	}

	finishErr := dc.FinishAsyncRead(session)
	// stream_off is always attempted, even after a failed capture
	// (design note (d)).
	if offErr := dc.StreamOff(); offErr != nil && finishErr == nil {
		finishErr = fmt.Errorf("capture: stream off: %w", offErr)
	}
	if finishErr != nil {
		return false, finishErr
	}

	if state.failed || !state.decoder.Complete() {
		return false, fmt.Errorf("capture: track %d side %d did not complete (failed=%v)", track, side, state.failed)
	}
	return true, nil
}

// writePreamble writes the 4-byte-header OOB preamble (type 4)
// containing a textual host timestamp. Per design note (b), the host
// stores the payload length in a single size byte (size_lo) and always
// writes size_hi=0, consistent only for payloads under 256 bytes,
// which the timestamp string always is.
func writePreamble(file *os.File) error {
	now := time.Now()
	payload := fmt.Sprintf("host_date=%s, host_time=%s\x00", now.Format("2006.01.02"), now.Format("15:04:05"))
	if len(payload) > 255 {
		return fmt.Errorf("capture: preamble payload too long (%d bytes)", len(payload))
	}
	record := make([]byte, 4+len(payload))
	record[0] = 0x0d
	record[1] = 0x04
	record[2] = byte(len(payload))
	record[3] = 0
	copy(record[4:], payload)
	_, err := file.Write(record)
	return err
}
