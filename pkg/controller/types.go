package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/link"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

// Controller errors. ErrNotPaired and ErrTimeout are the protocol errors so
// errors.Is works against either package.
var (
	ErrNotPaired       = protocol.ErrNotPaired
	ErrTimeout         = protocol.ErrTimeout
	ErrBusy            = errors.New("exchange in progress")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidConfig   = errors.New("invalid controller configuration")
	ErrAlreadyStarted  = errors.New("controller already started")
)

// Limits of the public operations.
const (
	MaxLevel   = 100
	MaxMinutes = 255
)

// Policy selects what happens to a request while an exchange is in flight.
type Policy uint8

const (
	// PolicyQueue makes callers wait their turn.
	PolicyQueue Policy = iota

	// PolicyReject fails callers with ErrBusy.
	PolicyReject
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyQueue:
		return "QUEUE"
	case PolicyReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// ParsePolicy parses "queue" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "queue", "QUEUE", "":
		return PolicyQueue, nil
	case "reject", "REJECT":
		return PolicyReject, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, s)
}

// AddressStore persists the pairing. persistence.PairingStore implements it.
type AddressStore interface {
	LoadAddress() (*protocol.DeviceAddress, error)
	SaveAddress(addr protocol.DeviceAddress) error
	Clear() error
}

// Config configures a Controller.
type Config struct {
	// Protocol configures the engine.
	Protocol protocol.Config

	// PollInterval is the settings poll period. Must be positive.
	PollInterval time.Duration

	// Policy applies to caller requests while an exchange is in flight.
	Policy Policy

	// AutoPair pairs on Start when no address is stored, retrying with
	// PairBackoff until it succeeds or the controller stops.
	AutoPair bool

	// PairBackoff configures the pairing retry delays.
	PairBackoff link.BackoffConfig

	// StartupDelay postpones the first poll or pairing after Start.
	StartupDelay time.Duration

	// Store persists the pairing. If nil, pairing lasts for the process.
	Store AddressStore

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Protocol:     protocol.DefaultConfig(),
		PollInterval: 30 * time.Second,
		Policy:       PolicyQueue,
		PairBackoff: link.BackoffConfig{
			Initial:    link.InitialBackoff,
			Max:        link.MaxBackoff,
			Multiplier: link.BackoffMultiplier,
			Jitter:     link.JitterFactor,
		},
		StartupDelay: 15 * time.Second,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.Policy > PolicyReject {
		return fmt.Errorf("%w: policy %d", ErrInvalidConfig, c.Policy)
	}
	if c.StartupDelay < 0 {
		return fmt.Errorf("%w: negative startup delay", ErrInvalidConfig)
	}
	return c.Protocol.Validate()
}

// Status is the last known state of the fan and the link.
type Status struct {
	// Speed is the airflow percentage the unit reported.
	Speed uint8

	// Preset is the speed preset the unit reported.
	Preset frame.Preset

	// OverrideRemaining is the number of minutes left on a timed override.
	OverrideRemaining uint8

	// Setting is the standing level last set with SetSpeed. It is zero
	// after SetPreset or ResetToAuto.
	Setting uint8

	// Reported is true once the unit has reported its settings.
	Reported bool

	Link    protocol.LinkState
	Linked  bool
	Healthy bool

	// Failures is the number of consecutive failed exchanges.
	Failures int

	// UpdatedAt is when the status last changed.
	UpdatedAt time.Time

	// LastSuccess is the time of the last answered exchange.
	LastSuccess time.Time

	// Address is the paired unit, zero when unpaired.
	Address protocol.DeviceAddress
}

// Overridden reports whether a timed override is running.
func (s Status) Overridden() bool {
	return s.OverrideRemaining > 0
}

// String returns a one-line summary.
func (s Status) String() string {
	if !s.Reported {
		return fmt.Sprintf("link=%s healthy=%t speed=?", s.Link, s.Healthy)
	}
	out := fmt.Sprintf("link=%s healthy=%t speed=%d%% preset=%s", s.Link, s.Healthy, s.Speed, s.Preset)
	if s.Overridden() {
		out += fmt.Sprintf(" override=%dmin", s.OverrideRemaining)
	}
	return out
}

// PresetForLevel maps a level to the preset used for timed overrides:
// 0-25 Low, 26-50 Medium, 51-75 High, 76-100 Max.
func PresetForLevel(level uint8) frame.Preset {
	switch {
	case level <= 25:
		return frame.PresetLow
	case level <= 50:
		return frame.PresetMedium
	case level <= 75:
		return frame.PresetHigh
	default:
		return frame.PresetMax
	}
}
