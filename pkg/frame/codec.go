package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a buffer is not a valid frame.
var ErrMalformed = errors.New("malformed frame")

// CRCSize is the size of the software integrity trailer.
const CRCSize = 2

// Integrity selects where the frame check sequence lives.
type Integrity uint8

const (
	// IntegrityCRC16 appends a CRC-16/CCITT trailer to every frame.
	IntegrityCRC16 Integrity = iota

	// IntegrityHardware leaves the CRC to the transceiver.
	IntegrityHardware
)

// String returns the integrity mode name.
func (i Integrity) String() string {
	switch i {
	case IntegrityCRC16:
		return "crc16"
	case IntegrityHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// ParseIntegrity parses an integrity mode name.
func ParseIntegrity(s string) (Integrity, error) {
	switch s {
	case "", "crc16":
		return IntegrityCRC16, nil
	case "hardware":
		return IntegrityHardware, nil
	default:
		return 0, fmt.Errorf("unknown integrity mode %q", s)
	}
}

// Codec converts frames to and from raw radio payloads.
// The zero value uses IntegrityCRC16.
type Codec struct {
	Integrity Integrity
}

// Size returns the buffer length produced by Encode.
func (c Codec) Size() int {
	if c.Integrity == IntegrityHardware {
		return BodySize
	}
	return BodySize + CRCSize
}

// Encode serializes the frame. It panics on frames that fail Validate;
// every constructor in this package produces valid frames.
func (c Codec) Encode(f *Frame) []byte {
	if err := f.Validate(); err != nil {
		panic(err)
	}

	buf := make([]byte, c.Size())
	buf[0] = byte(f.Dst.Type)
	buf[1] = f.Dst.ID
	buf[2] = byte(f.Src.Type)
	buf[3] = f.Src.ID
	buf[4] = f.TTL
	buf[5] = byte(f.Command)
	buf[6] = byte(len(f.Params))
	copy(buf[headerSize:], f.Params)

	if c.Integrity != IntegrityHardware {
		binary.BigEndian.PutUint16(buf[BodySize:], CRC16(buf[:BodySize]))
	}
	return buf
}

// Decode parses a raw radio payload. A frame without parameters decodes
// with nil Params.
func (c Codec) Decode(data []byte) (*Frame, error) {
	if len(data) != c.Size() {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrMalformed, len(data), c.Size())
	}

	if c.Integrity != IntegrityHardware {
		want := binary.BigEndian.Uint16(data[BodySize:])
		if got := CRC16(data[:BodySize]); got != want {
			return nil, fmt.Errorf("%w: crc 0x%04X, want 0x%04X", ErrMalformed, got, want)
		}
	}

	count := int(data[6])
	if count > MaxParams {
		return nil, fmt.Errorf("%w: parameter count %d", ErrMalformed, count)
	}
	// Units leave stale bytes after the parameters; only our own trailer
	// mode guarantees zero padding.
	if c.Integrity != IntegrityHardware {
		for _, b := range data[headerSize+count : BodySize] {
			if b != 0 {
				return nil, fmt.Errorf("%w: non-zero padding", ErrMalformed)
			}
		}
	}

	f := &Frame{
		Dst:     Endpoint{Type: DeviceType(data[0]), ID: data[1]},
		Src:     Endpoint{Type: DeviceType(data[2]), ID: data[3]},
		TTL:     data[4],
		Command: Command(data[5]),
	}
	if count > 0 {
		f.Params = make([]byte, count)
		copy(f.Params, data[headerSize:headerSize+count])
	}
	return f, nil
}

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), the
// check the nRF905 appends on air.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
