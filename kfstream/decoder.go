// Package kfstream implements the incremental decoder for the KryoFlux
// on-wire stream format: a byte-oriented sequence of flux cell tokens
// interleaved with length-prefixed Out-Of-Band (OOB) records.
package kfstream

import (
	"encoding/binary"
	"fmt"
)

// OOB record types recognized by the decoder.
const (
	oobStreamIndex = 1
	oobStreamEnd   = 3
	oobEOF         = 0x0d
)

const eofSize = 0x0d0d

// Result codes carried by a type-3 (stream end) OOB record.
const (
	ResultOK             = 0
	ResultBufferUnderrun = 1
	ResultNoIndex        = 2
)

// Decoder incrementally parses a KryoFlux stream delivered as a sequence
// of arbitrarily-sized chunks. It tracks streampos across chunk
// boundaries, so Feed may be called any number of times with any split
// of a well-formed stream's bytes that keeps each OOB record inside one
// chunk, and the result is identical to feeding it as one call. An OOB
// record split across chunks is a fatal error (see feedOOB).
type Decoder struct {
	// StreamPos is the count of stream bytes consumed so far, excluding
	// OOB record headers and payloads.
	StreamPos uint32

	// skipcount is the number of bytes remaining from a token that was
	// split across the end of the previous chunk; these bytes are
	// consumed without classification on the next Feed call.
	skipcount uint32

	resultFound bool
	complete    bool
	failed      bool
}

// New returns a freshly reset decoder.
func New() *Decoder {
	return &Decoder{}
}

// Reset clears all decoder state, as done once per track by the capture
// orchestrator before a new stream begins.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

// Complete reports whether the end-of-data sentinel has been observed
// after a valid end-of-stream result.
func (d *Decoder) Complete() bool { return d.complete }

// Failed reports whether a structural error was observed.
func (d *Decoder) Failed() bool { return d.failed }

// Feed parses one chunk of stream bytes, advancing StreamPos and the
// completion/failure flags. It never panics on malformed input; instead
// it sets Failed() and returns a descriptive error. Feed must not be
// called again once Complete() or Failed() is true; the caller (the
// capture orchestrator's consumer) is responsible for stopping.
func (d *Decoder) Feed(data []byte) error {
	if d.complete || d.failed {
		return fmt.Errorf("kfstream: Feed called after terminal state")
	}

	if d.skipcount > 0 {
		n := d.skipcount
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		d.skipcount -= n
		data = data[n:]
		d.StreamPos += n
	}

	for len(data) > 0 {
		val := data[0]
		switch {
		case val <= 0x07:
			// Value: 2-byte sequence.
			if len(data) < 2 {
				d.skipcount = 2 - uint32(len(data))
				d.StreamPos += uint32(len(data))
				return nil
			}
			d.StreamPos += 2
			data = data[2:]

		case val >= 0x0e:
			// Sample: 1-byte cell.
			d.StreamPos++
			data = data[1:]

		case val == 0x0b:
			// Overflow16: 1 byte, folded into the next cell value by
			// decoders that care about flux magnitude; irrelevant to
			// position tracking here.
			d.StreamPos++
			data = data[1:]

		case val == 0x0c:
			// Value16: 3-byte sequence.
			if len(data) < 3 {
				d.skipcount = 3 - uint32(len(data))
				d.StreamPos += uint32(len(data))
				return nil
			}
			d.StreamPos += 3
			data = data[3:]

		case val == 0x0d:
			consumed, err := d.feedOOB(data)
			if err != nil {
				d.failed = true
				return err
			}
			if consumed == 0 {
				// d.complete was set inside feedOOB; stop consuming.
				return nil
			}
			data = data[consumed:]

		default:
			// Nop1 (0x08), Nop2 (0x09), Nop3 (0x0a): val-7 bytes.
			noffset := uint32(val) - 7
			if uint32(len(data)) < noffset {
				d.skipcount = noffset - uint32(len(data))
				d.StreamPos += uint32(len(data))
				return nil
			}
			d.StreamPos += noffset
			data = data[noffset:]
		}
	}
	return nil
}

// feedOOB parses a single OOB record at the front of data (data[0] ==
// 0x0d). It returns the number of bytes consumed, or 0 with d.complete
// set if the end-of-data sentinel was found. OOB records are never
// split tolerantly across chunks: a truncated header or payload is a
// fatal error, not a carry-over (the device transmits them whole).
func (d *Decoder) feedOOB(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("kfstream: OOB header truncated at streampos %d", d.StreamPos)
	}
	oobType := data[1]
	size := int(data[2]) | int(data[3])<<8

	if oobType == oobEOF && size == eofSize {
		if !d.resultFound {
			return 0, fmt.Errorf("kfstream: end-of-data marker before end-of-stream marker")
		}
		d.complete = true
		return 0, nil
	}

	if len(data)-4 < size {
		return 0, fmt.Errorf("kfstream: OOB payload truncated at streampos %d (need %d, have %d)", d.StreamPos, size, len(data)-4)
	}
	payload := data[4 : 4+size]

	if oobType == oobStreamIndex || oobType == oobStreamEnd {
		if len(payload) < 4 {
			return 0, fmt.Errorf("kfstream: OOB type %d missing stream position", oobType)
		}
		pos := binary.LittleEndian.Uint32(payload[0:4])
		if pos != d.StreamPos {
			return 0, fmt.Errorf("kfstream: stream position mismatch: record says %d, decoder at %d", pos, d.StreamPos)
		}
	}

	if oobType == oobStreamEnd {
		if len(payload) < 8 {
			return 0, fmt.Errorf("kfstream: OOB type 3 missing result code")
		}
		d.resultFound = true
		result := binary.LittleEndian.Uint32(payload[4:8])
		switch result {
		case ResultOK:
		case ResultBufferUnderrun:
			return 0, fmt.Errorf("kfstream: host could not keep up with disk read (result=1)")
		case ResultNoIndex:
			return 0, fmt.Errorf("kfstream: no index signal detected (result=2)")
		default:
			return 0, fmt.Errorf("kfstream: unknown stream end result code %d", result)
		}
	}

	// Any other OOB type is accepted and its payload skipped.
	return 4 + size, nil
}
