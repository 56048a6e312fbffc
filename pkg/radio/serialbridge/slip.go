package serialbridge

import (
	"bufio"
	"errors"
	"io"
)

// SLIP framing (RFC 1055).
const (
	slipEnd    byte = 0xC0
	slipEsc    byte = 0xDB
	slipEscEnd byte = 0xDC
	slipEscEsc byte = 0xDD
)

const maxMessageSize = 256

var errFrameTooLong = errors.New("slip frame too long")

// encodeSLIP returns the packet escaped and delimited by END bytes.
func encodeSLIP(p []byte) []byte {
	out := make([]byte, 0, len(p)+4)
	out = append(out, slipEnd)
	for _, b := range p {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipReader splits a byte stream into SLIP packets. Empty packets between
// back-to-back END bytes are skipped.
type slipReader struct {
	r *bufio.Reader
}

func newSLIPReader(r io.Reader) *slipReader {
	return &slipReader{r: bufio.NewReader(r)}
}

// ReadPacket returns the next non-empty packet. A packet exceeding
// maxMessageSize is discarded up to its END byte and reported with
// errFrameTooLong; the reader stays usable.
func (s *slipReader) ReadPacket() ([]byte, error) {
	var buf []byte
	escaped := false
	overflow := false

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch {
		case b == slipEnd:
			if overflow {
				return nil, errFrameTooLong
			}
			if len(buf) > 0 {
				return buf, nil
			}
			escaped = false
			continue
		case escaped:
			escaped = false
			switch b {
			case slipEscEnd:
				b = slipEnd
			case slipEscEsc:
				b = slipEsc
			}
		case b == slipEsc:
			escaped = true
			continue
		}

		if len(buf) >= maxMessageSize {
			overflow = true
			continue
		}
		buf = append(buf, b)
	}
}
