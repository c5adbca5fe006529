package kfstream

import (
	"encoding/binary"
	"testing"
)

// oobRecord builds a single OOB record: 0x0d, type, size_lo, size_hi, payload...
func oobRecord(oobType byte, payload []byte) []byte {
	rec := make([]byte, 4+len(payload))
	rec[0] = 0x0d
	rec[1] = oobType
	rec[2] = byte(len(payload))
	rec[3] = byte(len(payload) >> 8)
	copy(rec[4:], payload)
	return rec
}

// streamEndPayload builds the 8-byte payload of a type-3 OOB record.
func streamEndPayload(streamPos, result uint32) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], streamPos)
	binary.LittleEndian.PutUint32(p[4:8], result)
	return p
}

var eofSentinel = []byte{0x0d, 0x0d, 0x0d, 0x0d}

// goodStream returns a minimal well-formed stream: three single-byte
// samples (streampos 0->3), a type-3 record validating position 3 with
// result 0, and the end-of-data sentinel.
func goodStream() []byte {
	var data []byte
	data = append(data, 0x0e, 0x0e, 0x0e) // three samples, streampos 0..3
	data = append(data, oobRecord(3, streamEndPayload(3, ResultOK))...)
	data = append(data, eofSentinel...)
	return data
}

func TestDecoder_MinimalSuccess(t *testing.T) {
	d := New()
	if err := d.Feed(goodStream()); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if !d.Complete() {
		t.Fatalf("expected Complete() true")
	}
	if d.Failed() {
		t.Fatalf("expected Failed() false")
	}
	if d.StreamPos != 3 {
		t.Fatalf("expected StreamPos=3, got %d", d.StreamPos)
	}
}

func TestDecoder_PositionMismatch(t *testing.T) {
	var data []byte
	data = append(data, 0x0e, 0x0e, 0x0e)
	// Claim position 5 instead of the correct 3.
	data = append(data, oobRecord(3, streamEndPayload(5, ResultOK))...)
	data = append(data, eofSentinel...)

	d := New()
	err := d.Feed(data)
	if err == nil {
		t.Fatalf("expected error for stream position mismatch")
	}
	if !d.Failed() {
		t.Fatalf("expected Failed() true")
	}
	if d.Complete() {
		t.Fatalf("expected Complete() false")
	}
}

func TestDecoder_EndOfDataBeforeEndOfStream(t *testing.T) {
	data := []byte{0x08, 0x0e, 0x0d, 0x0d, 0x0d, 0x0d}
	d := New()
	err := d.Feed(data)
	if err == nil {
		t.Fatalf("expected error: end-of-data before end-of-stream")
	}
	if !d.Failed() {
		t.Fatalf("expected Failed() true")
	}
}

func TestDecoder_ChunkSplitInsideValue(t *testing.T) {
	d := New()

	// Chunk 1: first byte of a 2-byte Value token.
	if err := d.Feed([]byte{0x03}); err != nil {
		t.Fatalf("chunk1: unexpected error: %v", err)
	}
	if d.StreamPos != 1 {
		t.Fatalf("after chunk1: expected StreamPos=1, got %d", d.StreamPos)
	}
	if d.skipcount != 1 {
		t.Fatalf("after chunk1: expected skipcount=1, got %d", d.skipcount)
	}

	// Chunk 2: rest of the Value token, then a Sample.
	if err := d.Feed([]byte{0x55, 0x0e}); err != nil {
		t.Fatalf("chunk2: unexpected error: %v", err)
	}
	if d.skipcount != 0 {
		t.Fatalf("after chunk2: expected skipcount=0, got %d", d.skipcount)
	}
	if d.StreamPos != 3 {
		t.Fatalf("after chunk2: expected StreamPos=3, got %d", d.StreamPos)
	}

	// Chunk 3: a valid type-3 record at position 3.
	if err := d.Feed(oobRecord(3, streamEndPayload(3, ResultOK))); err != nil {
		t.Fatalf("chunk3: unexpected error: %v", err)
	}

	// Chunk 4: the end-of-data sentinel.
	if err := d.Feed(eofSentinel); err != nil {
		t.Fatalf("chunk4: unexpected error: %v", err)
	}
	if !d.Complete() || d.Failed() {
		t.Fatalf("expected Complete()=true Failed()=false, got %v/%v", d.Complete(), d.Failed())
	}
	if d.StreamPos != 3 {
		t.Fatalf("expected final StreamPos=3, got %d", d.StreamPos)
	}
}

func TestDecoder_ChunkBoundaryOnExactTokenEnd(t *testing.T) {
	d := New()
	// A Nop3 (0x0a) token, 3 bytes, delivered as one byte then two; the
	// second chunk ends exactly on the token boundary.
	if err := d.Feed([]byte{0x0a}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.skipcount != 2 {
		t.Fatalf("expected skipcount=2 after partial Nop3, got %d", d.skipcount)
	}
	if err := d.Feed([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.skipcount != 0 {
		t.Fatalf("expected skipcount=0 on exact token boundary, got %d", d.skipcount)
	}
	if d.StreamPos != 3 {
		t.Fatalf("expected StreamPos=3, got %d", d.StreamPos)
	}
}

func TestDecoder_TruncatedOOBHeaderIsFatal(t *testing.T) {
	d := New()
	// 0x0d followed by only two more bytes: header needs 4.
	err := d.Feed([]byte{0x0e, 0x0d, 0x03, 0x00})
	if err == nil {
		t.Fatalf("expected fatal error for truncated OOB header")
	}
	if !d.Failed() {
		t.Fatalf("expected Failed() true")
	}
}

func TestDecoder_TruncatedOOBPayloadIsFatal(t *testing.T) {
	d := New()
	// Declares a type-3 record of size 8 but only supplies 2 payload bytes.
	data := []byte{0x0d, 0x03, 0x08, 0x00, 0x00, 0x00}
	err := d.Feed(data)
	if err == nil {
		t.Fatalf("expected fatal error for truncated OOB payload")
	}
	if !d.Failed() {
		t.Fatalf("expected Failed() true")
	}
}

func TestDecoder_UnknownResultCodeIsFatal(t *testing.T) {
	var data []byte
	data = append(data, 0x0e, 0x0e, 0x0e)
	data = append(data, oobRecord(3, streamEndPayload(3, 99))...)
	d := New()
	err := d.Feed(data)
	if err == nil {
		t.Fatalf("expected fatal error for unknown result code")
	}
}

func TestDecoder_OtherOOBTypeSkipped(t *testing.T) {
	var data []byte
	data = append(data, 0x0e) // streampos 1
	data = append(data, oobRecord(4, []byte("name=KryoFlux DiskSystem\x00"))...)
	data = append(data, 0x0e) // streampos 2
	data = append(data, oobRecord(3, streamEndPayload(2, ResultOK))...)
	data = append(data, eofSentinel...)

	d := New()
	if err := d.Feed(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Complete() || d.Failed() {
		t.Fatalf("expected success, got complete=%v failed=%v", d.Complete(), d.Failed())
	}
	if d.StreamPos != 2 {
		t.Fatalf("expected StreamPos=2, got %d", d.StreamPos)
	}
}

// TestDecoder_ChunkSplitInvariance feeds the same well-formed stream as
// one call and split into single-byte chunks for every non-OOB byte,
// with each OOB record delivered whole (a split OOB record is fatal),
// and checks the final state is identical either way.
func TestDecoder_ChunkSplitInvariance(t *testing.T) {
	var samples []byte
	for i := 0; i < 50; i++ {
		samples = append(samples, byte(0x0e+i%200))
	}
	pieces := []struct {
		data []byte
		oob  bool
	}{
		{samples, false},
		{oobRecord(1, streamEndPayload(50, ResultOK)), true},
		{[]byte{0x03, 0x04}, false}, // a 2-byte Value token, streampos 50->52
		{oobRecord(3, streamEndPayload(52, ResultOK)), true},
		{eofSentinel, true},
	}
	var full []byte
	for _, p := range pieces {
		full = append(full, p.data...)
	}

	whole := New()
	if err := whole.Feed(full); err != nil {
		t.Fatalf("whole-buffer feed failed: %v", err)
	}
	if !whole.Complete() || whole.Failed() {
		t.Fatalf("whole-buffer feed did not complete cleanly")
	}

	split := New()
	for _, p := range pieces {
		chunks := [][]byte{p.data}
		if !p.oob {
			chunks = nil
			for _, b := range p.data {
				chunks = append(chunks, []byte{b})
			}
		}
		for _, c := range chunks {
			if split.Complete() || split.Failed() {
				break
			}
			if err := split.Feed(c); err != nil {
				t.Fatalf("byte-at-a-time feed failed: %v", err)
			}
		}
	}
	if !split.Complete() || split.Failed() {
		t.Fatalf("byte-at-a-time feed did not complete cleanly")
	}
	if split.StreamPos != whole.StreamPos {
		t.Fatalf("streampos mismatch: whole=%d split=%d", whole.StreamPos, split.StreamPos)
	}
}

// TestDecoder_PositionInvariant checks that StreamPos always equals the
// count of non-OOB bytes consumed, across a stream with every non-OOB
// token kind.
func TestDecoder_PositionInvariant(t *testing.T) {
	var data []byte
	nonOOBBytes := 0

	data = append(data, 0x03, 0x04) // Value, 2 bytes
	nonOOBBytes += 2
	data = append(data, 0x08) // Nop1, 1 byte
	nonOOBBytes++
	data = append(data, 0x09, 0x00) // Nop2, 2 bytes
	nonOOBBytes += 2
	data = append(data, 0x0a, 0x00, 0x00) // Nop3, 3 bytes
	nonOOBBytes += 3
	data = append(data, 0x0b) // Overflow16, 1 byte
	nonOOBBytes++
	data = append(data, 0x0c, 0x01, 0x02) // Value16, 3 bytes
	nonOOBBytes += 3
	data = append(data, 0xff) // Sample, 1 byte
	nonOOBBytes++

	data = append(data, oobRecord(3, streamEndPayload(uint32(nonOOBBytes), ResultOK))...)
	data = append(data, eofSentinel...)

	d := New()
	if err := d.Feed(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int(d.StreamPos) != nonOOBBytes {
		t.Fatalf("expected StreamPos=%d, got %d", nonOOBBytes, d.StreamPos)
	}
	if !d.Complete() {
		t.Fatalf("expected Complete() true")
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := New()
	data := []byte{0x08, 0x0e, 0x0d, 0x0d, 0x0d, 0x0d}
	_ = d.Feed(data)
	if !d.Failed() {
		t.Fatalf("expected Failed() true before reset")
	}
	d.Reset()
	if d.Failed() || d.Complete() || d.StreamPos != 0 {
		t.Fatalf("expected clean state after Reset()")
	}
	if err := d.Feed(goodStream()); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if !d.Complete() {
		t.Fatalf("expected Complete() true after reset and fresh feed")
	}
}
