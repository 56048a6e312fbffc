package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/health"
	"github.com/zehnder-rf/zehnder-go/pkg/link"
	"github.com/zehnder-rf/zehnder-go/pkg/log"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// Protocol errors.
var (
	ErrPairingFailed = errors.New("pairing failed")
	ErrTimeout       = errors.New("no reply from fan unit")
	ErrAirwayBusy    = errors.New("airway busy")
	ErrNotPaired     = errors.New("not paired")
	ErrInvalidConfig = errors.New("invalid protocol configuration")
	ErrInvalidAddr   = errors.New("invalid device address")
)

// LinkState is the lifecycle state of the link.
type LinkState = link.State

// Link states.
const (
	StateUnpaired = link.Unpaired
	StatePairing  = link.Pairing
	StateLinked   = link.Linked
	StateLost     = link.Lost
)

// AddressSize is the length of an encoded DeviceAddress.
const AddressSize = 8

// DeviceAddress identifies one paired fan unit: the network it runs and the
// two endpoints of the link.
type DeviceAddress struct {
	NetworkID uint32
	MainUnit  frame.Endpoint
	Self      frame.Endpoint
}

// Valid reports whether every field is set. The unit never uses zero for
// any of them.
func (a DeviceAddress) Valid() bool {
	return a.NetworkID != 0 &&
		a.MainUnit.Type != 0 && a.MainUnit.ID != 0 &&
		a.Self.Type != 0 && a.Self.ID != 0
}

// Bytes encodes the address as network id (little endian), main unit
// type/id, own type/id.
func (a DeviceAddress) Bytes() []byte {
	b := make([]byte, AddressSize)
	binary.LittleEndian.PutUint32(b, a.NetworkID)
	b[4] = byte(a.MainUnit.Type)
	b[5] = a.MainUnit.ID
	b[6] = byte(a.Self.Type)
	b[7] = a.Self.ID
	return b
}

// String returns a compact description of the address.
func (a DeviceAddress) String() string {
	return fmt.Sprintf("net=0x%08X unit=%s self=%s", a.NetworkID, a.MainUnit, a.Self)
}

// ParseDeviceAddress decodes the output of Bytes.
func ParseDeviceAddress(b []byte) (DeviceAddress, error) {
	if len(b) != AddressSize {
		return DeviceAddress{}, fmt.Errorf("%w: length %d", ErrInvalidAddr, len(b))
	}
	a := DeviceAddress{
		NetworkID: binary.LittleEndian.Uint32(b),
		MainUnit:  frame.Endpoint{Type: frame.DeviceType(b[4]), ID: b[5]},
		Self:      frame.Endpoint{Type: frame.DeviceType(b[6]), ID: b[7]},
	}
	if !a.Valid() {
		return DeviceAddress{}, fmt.Errorf("%w: %s", ErrInvalidAddr, a)
	}
	return a, nil
}

// Config configures an Engine.
type Config struct {
	// ReplyTimeout is how long each attempt waits for a reply.
	ReplyTimeout time.Duration

	// Retries is the number of transmissions per exchange, the first one
	// included.
	Retries int

	// AirwayTimeout bounds the wait for a clear channel before each
	// transmission.
	AirwayTimeout time.Duration

	// AirwayPoll is the carrier detect polling interval.
	AirwayPoll time.Duration

	// FailureThreshold is the number of consecutive failed polls after which
	// a linked unit is considered lost.
	FailureThreshold int

	// StaleAfter marks the link lost when a poll fails and the last success
	// is older than this.
	StaleAfter time.Duration

	Channel uint16
	Band    radio.Band
	TxPower radio.Power

	// Repeats is the number of times each frame is sent on air per attempt.
	Repeats int

	// Integrity selects who computes the frame CRC.
	Integrity frame.Integrity

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives the capture events. If nil, capture is
	// disabled.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the settings the unit is known to work with.
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:     1 * time.Second,
		Retries:          10,
		AirwayTimeout:    5 * time.Second,
		AirwayPoll:       10 * time.Millisecond,
		FailureThreshold: health.DefaultThreshold,
		StaleAfter:       health.DefaultStaleAfter,
		Channel:          118,
		Band:             radio.Band868,
		TxPower:          radio.Power10,
		Repeats:          4,
		Integrity:        frame.IntegrityHardware,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("%w: reply timeout must be positive", ErrInvalidConfig)
	}
	if c.Retries < 1 {
		return fmt.Errorf("%w: retries must be at least 1", ErrInvalidConfig)
	}
	if c.AirwayTimeout <= 0 || c.AirwayPoll <= 0 {
		return fmt.Errorf("%w: airway timeout and poll must be positive", ErrInvalidConfig)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1", ErrInvalidConfig)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale-after must be positive", ErrInvalidConfig)
	}
	if err := c.radioConfig(frame.IdleNetworkID).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) codec() frame.Codec {
	return frame.Codec{Integrity: c.Integrity}
}

func (c *Config) radioConfig(address uint32) radio.Config {
	return radio.Config{
		Channel:      c.Channel,
		Band:         c.Band,
		Address:      address,
		PayloadWidth: c.codec().Size(),
		TxPower:      c.TxPower,
		Repeats:      c.Repeats,
	}
}
