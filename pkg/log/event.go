package log

import (
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies one controller run (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates frame flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// NetworkID is the radio address in use when the event occurred.
	NetworkID uint32 `cbor:"6,keyasint,omitempty"`

	// Peer is the main unit endpoint once known.
	Peer string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Radio and frame layers
	Exchange    *ExchangeEvent    `cbor:"11,keyasint,omitempty"` // Completed exchanges
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Link state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates a received frame.
	DirectionIn Direction = 0
	// DirectionOut indicates a transmitted frame.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerRadio is the transceiver (raw payload bytes).
	LayerRadio Layer = 0
	// LayerFrame is the decoded frame.
	LayerFrame Layer = 1
	// LayerLink is the protocol engine.
	LayerLink Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerRadio:
		return "RADIO"
	case LayerFrame:
		return "FRAME"
	case LayerLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame indicates a transmitted or received frame.
	CategoryFrame Category = 0
	// CategoryExchange indicates a completed request/reply exchange.
	CategoryExchange Category = 1
	// CategoryState indicates a link state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryExchange:
		return "EXCHANGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one frame on the air.
type FrameEvent struct {
	// Size is the payload size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the raw payload.
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Decoded fields, absent when the payload did not decode.
	Command *frame.Command `cbor:"3,keyasint,omitempty"`
	Src     string         `cbor:"4,keyasint,omitempty"`
	Dst     string         `cbor:"5,keyasint,omitempty"`
	Params  []byte         `cbor:"6,keyasint,omitempty"`

	// Dropped is set on received frames that were discarded.
	Dropped bool `cbor:"7,keyasint,omitempty"`

	// DropReason says why (malformed, not addressed to us, unexpected).
	DropReason string `cbor:"8,keyasint,omitempty"`
}

// NewFrameEvent fills a FrameEvent from raw bytes and the decoded frame.
// f may be nil.
func NewFrameEvent(data []byte, f *frame.Frame) *FrameEvent {
	ev := &FrameEvent{Size: len(data), Data: data}
	if f != nil {
		cmd := f.Command
		ev.Command = &cmd
		ev.Src = f.Src.String()
		ev.Dst = f.Dst.String()
		ev.Params = f.Params
	}
	return ev
}

// ExchangeEvent summarises one engine operation.
type ExchangeEvent struct {
	// Operation names the exchange (PAIR, SET_VOLTAGE, QUERY, ...).
	Operation string `cbor:"1,keyasint"`

	// Attempts is the number of transmissions made.
	Attempts int `cbor:"2,keyasint"`

	// Duration from first transmission to outcome, in nanoseconds.
	Duration time.Duration `cbor:"3,keyasint"`

	Outcome Outcome `cbor:"4,keyasint"`
}

// Outcome is the result of an exchange.
type Outcome uint8

const (
	OutcomeSuccess   Outcome = 0
	OutcomeTimeout   Outcome = 1
	OutcomeCancelled Outcome = 2
	OutcomeFailed    Outcome = 3
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures link state transitions.
type StateChangeEvent struct {
	// OldState is the previous state.
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
