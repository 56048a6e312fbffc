// Package serialbridge talks to an nRF905 attached to a USB microcontroller
// running a small passthrough firmware.
//
// Host and bridge exchange SLIP-framed messages whose first byte is the type:
//
//	'C'  host -> bridge  configure: channel u16, band u16, address u32 (LE), width, power, repeats
//	'T'  host -> bridge  transmit: payload
//	'B'  host -> bridge  airway query; the bridge answers 'B' followed by 0 or 1
//	'A'  bridge -> host  acknowledges 'C' and 'T'
//	'E'  bridge -> host  error, followed by a text message
//	'R'  bridge -> host  received payload, sent unsolicited
//
// Requests are strictly one at a time.
package serialbridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// Message types.
const (
	msgConfigure = 'C'
	msgTransmit  = 'T'
	msgAirway    = 'B'
	msgAck       = 'A'
	msgError     = 'E'
	msgReceived  = 'R'
)

const (
	configureSize = 1 + 2 + 2 + 4 + 3

	// DefaultBaudRate matches the passthrough firmware.
	DefaultBaudRate = 115200

	// DefaultReplyTimeout covers the bridge's own transmit of several repeats.
	DefaultReplyTimeout = 500 * time.Millisecond
)

// Options configures the bridge connection.
type Options struct {
	BaudRate     int
	ReplyTimeout time.Duration

	// Logger receives link-level diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// Bridge is a radio.Transceiver backed by a serial passthrough.
type Bridge struct {
	port         io.ReadWriteCloser
	logger       *slog.Logger
	replyTimeout time.Duration

	reqMu sync.Mutex

	mu         sync.Mutex
	configured bool
	readErr    error

	replies chan []byte
	frames  chan []byte
	dead    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

var _ radio.Transceiver = (*Bridge)(nil)

// Open opens the serial port and starts the read loop.
func Open(path string, opts Options) (*Bridge, error) {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialbridge: open %s: %w", path, err)
	}
	// USB CDC ACM boards wait for DTR before talking.
	_ = port.SetDTR(true)

	return newBridge(port, opts), nil
}

// newBridge wraps an already open stream. Tests pass one end of a pipe.
func newBridge(port io.ReadWriteCloser, opts Options) *Bridge {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	b := &Bridge{
		port:         port,
		logger:       opts.Logger,
		replyTimeout: opts.ReplyTimeout,
		replies:      make(chan []byte, 1),
		frames:       make(chan []byte, 16),
		dead:         make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b
}

func (b *Bridge) debugLog(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	defer close(b.dead)

	sr := newSLIPReader(b.port)
	for {
		p, err := sr.ReadPacket()
		if errors.Is(err, errFrameTooLong) {
			b.debugLog("serialbridge: dropped oversized message")
			continue
		}
		if err != nil {
			b.mu.Lock()
			b.readErr = err
			b.mu.Unlock()
			return
		}

		switch p[0] {
		case msgReceived:
			select {
			case b.frames <- p[1:]:
			default:
				b.debugLog("serialbridge: receive queue full, frame dropped")
			}
		case msgAck, msgError, msgAirway:
			select {
			case b.replies <- p:
			default:
				b.debugLog("serialbridge: unsolicited reply", "type", string(p[0]))
			}
		default:
			b.debugLog("serialbridge: unknown message", "type", p[0])
		}
	}
}

func (b *Bridge) request(op string, msg []byte, want byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, radio.ErrClosed
	}

	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	// A reply that arrived after an earlier timeout is stale.
	select {
	case <-b.replies:
	default:
	}

	if _, err := b.port.Write(encodeSLIP(msg)); err != nil {
		return nil, radio.Wrap(op, err)
	}

	timer := time.NewTimer(b.replyTimeout)
	defer timer.Stop()

	select {
	case reply := <-b.replies:
		switch reply[0] {
		case msgError:
			return nil, &radio.RadioError{Op: op, Err: fmt.Errorf("bridge: %s", reply[1:])}
		case want:
			return reply[1:], nil
		default:
			return nil, &radio.RadioError{Op: op, Err: fmt.Errorf("unexpected reply %q", reply[0])}
		}
	case <-b.dead:
		return nil, b.deadErr(op)
	case <-timer.C:
		return nil, &radio.RadioError{Op: op, Err: errors.New("bridge did not reply")}
	}
}

func (b *Bridge) deadErr(op string) error {
	if b.closed.Load() {
		return radio.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return radio.Wrap(op, fmt.Errorf("link lost: %w", b.readErr))
}

// Configure sends the RF settings to the bridge.
func (b *Bridge) Configure(cfg radio.Config) error {
	if err := cfg.Validate(); err != nil {
		return radio.Wrap("configure", err)
	}

	msg := make([]byte, configureSize)
	msg[0] = msgConfigure
	binary.LittleEndian.PutUint16(msg[1:], cfg.Channel)
	binary.LittleEndian.PutUint16(msg[3:], uint16(cfg.Band))
	binary.LittleEndian.PutUint32(msg[5:], cfg.Address)
	msg[9] = byte(cfg.PayloadWidth)
	msg[10] = byte(cfg.TxPower)
	msg[11] = byte(cfg.Repeats)

	if _, err := b.request("configure", msg, msgAck); err != nil {
		return err
	}

	b.mu.Lock()
	b.configured = true
	b.mu.Unlock()

	// Frames heard under the previous address are no longer ours.
	for {
		select {
		case <-b.frames:
		default:
			return nil
		}
	}
}

// Transmit sends one payload; the bridge acknowledges after the last repeat.
func (b *Bridge) Transmit(data []byte) error {
	b.mu.Lock()
	configured := b.configured
	b.mu.Unlock()
	if !configured {
		return &radio.RadioError{Op: "transmit", Err: errors.New("not configured")}
	}

	msg := make([]byte, 1+len(data))
	msg[0] = msgTransmit
	copy(msg[1:], data)
	_, err := b.request("transmit", msg, msgAck)
	return err
}

// Receive waits for the next 'R' message.
func (b *Bridge) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-b.frames:
		return p, nil
	case <-b.dead:
		return nil, b.deadErr("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// AirwayBusy asks the bridge for the carrier detect state.
func (b *Bridge) AirwayBusy() (bool, error) {
	reply, err := b.request("airway", []byte{msgAirway}, msgAirway)
	if err != nil {
		return false, err
	}
	if len(reply) != 1 {
		return false, &radio.RadioError{Op: "airway", Err: fmt.Errorf("reply length %d", len(reply))}
	}
	return reply[0] != 0, nil
}

// Close closes the serial port and waits for the read loop to exit.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	err := b.port.Close()
	b.wg.Wait()
	return err
}
