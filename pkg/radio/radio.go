// Package radio defines the transceiver boundary used by the protocol engine.
//
// A Transceiver moves raw payloads on and off the air. It knows nothing about
// frame layout; pkg/frame owns that. Backends live in subpackages (nrf905,
// serialbridge); Air provides an in-memory medium for tests and simulation.
package radio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by transceivers.
var (
	// ErrRadio matches every RadioError.
	ErrRadio = errors.New("radio error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transceiver closed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid radio config")
)

// Transceiver is a half-duplex packet radio.
type Transceiver interface {
	// Configure tunes the radio. It may be called again at any time to
	// switch network address or channel.
	Configure(cfg Config) error

	// Transmit sends one payload. The payload length must equal the
	// configured PayloadWidth.
	Transmit(data []byte) error

	// Receive waits up to timeout for a payload addressed to the configured
	// address. It returns nil, nil when the timeout elapses and ctx.Err()
	// when the context is cancelled.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// AirwayBusy reports whether a carrier is present on the channel.
	AirwayBusy() (bool, error)

	Close() error
}

// RadioError wraps a hardware or driver fault.
type RadioError struct {
	Op  string
	Err error
}

func (e *RadioError) Error() string {
	if e.Err == nil {
		return "radio " + e.Op
	}
	return "radio " + e.Op + ": " + e.Err.Error()
}

func (e *RadioError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRadio) true for every RadioError.
func (e *RadioError) Is(target error) bool { return target == ErrRadio }

// Wrap returns a RadioError for op, or nil when err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RadioError
	if errors.As(err, &re) {
		return err
	}
	return &RadioError{Op: op, Err: err}
}

// Band is the carrier frequency band.
type Band uint16

const (
	Band433 Band = 433
	Band868 Band = 868
	Band915 Band = 915
)

// String returns the band as "868MHz".
func (b Band) String() string { return fmt.Sprintf("%dMHz", uint16(b)) }

// Power is the transmit output power.
type Power uint8

const (
	PowerMinus10 Power = iota // -10 dBm
	PowerMinus2               // -2 dBm
	Power6                    // +6 dBm
	Power10                   // +10 dBm
)

// String returns the power in dBm.
func (p Power) String() string {
	switch p {
	case PowerMinus10:
		return "-10dBm"
	case PowerMinus2:
		return "-2dBm"
	case Power6:
		return "+6dBm"
	case Power10:
		return "+10dBm"
	default:
		return fmt.Sprintf("POWER_%d", uint8(p))
	}
}

// Limits for Config fields.
const (
	MaxChannel      = 511
	MaxPayloadWidth = 32
)

// Config tunes a transceiver.
type Config struct {
	// Channel is the 9-bit channel number.
	Channel uint16

	Band Band

	// Address is the 4-byte network address used for both transmit and
	// receive.
	Address uint32

	// PayloadWidth is the fixed payload length on air.
	PayloadWidth int

	TxPower Power

	// Repeats is the number of times each payload is sent on air.
	Repeats int
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	if c.Channel > MaxChannel {
		return fmt.Errorf("%w: channel %d out of range 0..%d", ErrInvalidConfig, c.Channel, MaxChannel)
	}
	switch c.Band {
	case Band433, Band868, Band915:
	default:
		return fmt.Errorf("%w: unsupported band %d", ErrInvalidConfig, uint16(c.Band))
	}
	if c.PayloadWidth < 1 || c.PayloadWidth > MaxPayloadWidth {
		return fmt.Errorf("%w: payload width %d out of range 1..%d", ErrInvalidConfig, c.PayloadWidth, MaxPayloadWidth)
	}
	if c.TxPower > Power10 {
		return fmt.Errorf("%w: tx power %d", ErrInvalidConfig, c.TxPower)
	}
	if c.Repeats < 1 {
		return fmt.Errorf("%w: repeats must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// String returns a compact description of the config.
func (c Config) String() string {
	return fmt.Sprintf("ch=%d band=%s addr=0x%08X width=%d power=%s repeats=%d",
		c.Channel, c.Band, c.Address, c.PayloadWidth, c.TxPower, c.Repeats)
}
