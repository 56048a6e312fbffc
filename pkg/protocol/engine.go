package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/health"
	"github.com/zehnder-rf/zehnder-go/pkg/log"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// Engine drives the RF protocol over one transceiver.
//
// Exported exchange methods are safe for concurrent use; they run one at a
// time and hold the transceiver for the full transmit/receive cycle.
type Engine struct {
	// exMu serializes exchanges. It is held across every radio call.
	exMu sync.Mutex

	radio   radio.Transceiver
	config  Config
	codec   frame.Codec
	monitor *health.Monitor
	capture *log.Session
	logger  *slog.Logger

	mu            sync.RWMutex
	state         LinkState
	addr          DeviceAddress
	tuned         uint32
	onStateChange func(old, new LinkState)

	randomID func() uint8
	timeNow  func() time.Time
}

// NewEngine creates an engine and tunes the radio to the idle address.
func NewEngine(tr radio.Transceiver, config Config) (*Engine, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transceiver", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		radio:    tr,
		config:   config,
		codec:    config.codec(),
		monitor:  health.New(config.FailureThreshold, config.StaleAfter),
		logger:   config.Logger,
		randomID: func() uint8 { return uint8(rand.Intn(0xFE)) + 1 },
		timeNow:  time.Now,
	}
	if config.ProtocolLogger != nil {
		e.capture = log.NewSession(config.ProtocolLogger)
	}

	if err := e.tune(frame.IdleNetworkID); err != nil {
		return nil, err
	}
	return e, nil
}

// State returns the current link state.
func (e *Engine) State() LinkState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Address returns the paired address. The second result is false when the
// engine is not paired.
func (e *Engine) Address() (DeviceAddress, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addr, e.state.Paired()
}

// Health returns the read-only view of the link health.
func (e *Engine) Health() health.View {
	return e.monitor
}

// SessionID returns the capture session id, or "" when capture is disabled.
func (e *Engine) SessionID() string {
	if e.capture == nil {
		return ""
	}
	return e.capture.ID()
}

// OnStateChange sets a callback invoked after every link state change.
// The callback runs on the goroutine that caused the change.
func (e *Engine) OnStateChange(fn func(old, new LinkState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChange = fn
}

// Restore adopts a previously paired address without talking to the unit.
func (e *Engine) Restore(addr DeviceAddress) error {
	if !addr.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidAddr, addr)
	}

	e.exMu.Lock()
	defer e.exMu.Unlock()

	if err := e.tune(addr.NetworkID); err != nil {
		return err
	}
	e.mu.Lock()
	e.addr = addr
	e.mu.Unlock()
	e.monitor.Restart(e.timeNow())
	e.setState(StateLinked, "restored")
	return nil
}

// Unpair forgets the paired unit and returns to the idle address.
func (e *Engine) Unpair() error {
	e.exMu.Lock()
	defer e.exMu.Unlock()

	if !e.State().Paired() {
		return nil
	}
	e.mu.Lock()
	e.addr = DeviceAddress{}
	e.mu.Unlock()
	e.monitor.Reset()
	e.setState(StateUnpaired, "unpaired")
	return e.tune(frame.IdleNetworkID)
}

// Close closes the transceiver.
func (e *Engine) Close() error {
	e.exMu.Lock()
	defer e.exMu.Unlock()
	return e.radio.Close()
}

// SetVoltage sets the airflow percentage (0-100).
func (e *Engine) SetVoltage(ctx context.Context, percent uint8) (frame.Settings, error) {
	if percent > 100 {
		return frame.Settings{}, fmt.Errorf("voltage %d out of range 0..100", percent)
	}
	return e.command(ctx, "SET_VOLTAGE", func(a DeviceAddress) *frame.Frame {
		return frame.NewSetVoltage(a.Self, a.MainUnit, percent)
	})
}

// SetPreset selects a standing speed preset.
func (e *Engine) SetPreset(ctx context.Context, preset frame.Preset) (frame.Settings, error) {
	if preset > frame.PresetMax {
		return frame.Settings{}, fmt.Errorf("preset %d out of range", preset)
	}
	return e.command(ctx, "SET_SPEED", func(a DeviceAddress) *frame.Frame {
		return frame.NewSetSpeed(a.Self, a.MainUnit, preset)
	})
}

// SetTimer runs the preset for the given number of minutes, after which the
// unit returns to its standing setting.
func (e *Engine) SetTimer(ctx context.Context, preset frame.Preset, minutes uint8) (frame.Settings, error) {
	if preset > frame.PresetMax {
		return frame.Settings{}, fmt.Errorf("preset %d out of range", preset)
	}
	return e.command(ctx, "SET_TIMER", func(a DeviceAddress) *frame.Frame {
		return frame.NewSetTimer(a.Self, a.MainUnit, preset, minutes)
	})
}

// ResetToAuto clears any timer and returns the unit to automatic mode.
func (e *Engine) ResetToAuto(ctx context.Context) (frame.Settings, error) {
	return e.command(ctx, "RESET_AUTO", func(a DeviceAddress) *frame.Frame {
		return frame.NewSetTimer(a.Self, a.MainUnit, frame.PresetAuto, 0)
	})
}

// Query requests the current fan settings.
func (e *Engine) Query(ctx context.Context) (frame.Settings, error) {
	e.exMu.Lock()
	defer e.exMu.Unlock()

	addr, ok := e.Address()
	if !ok {
		return frame.Settings{}, ErrNotPaired
	}

	reply, err := e.exchange(ctx, "QUERY", frame.NewQueryDevice(addr.Self, addr.MainUnit), e.settingsFor(addr))
	if err != nil {
		if ctx.Err() != nil {
			return frame.Settings{}, err
		}
		now := e.timeNow()
		if e.monitor.RecordFailure(now) && e.State() == StateLinked {
			e.setState(StateLost, fmt.Sprintf("%d consecutive poll failures", e.monitor.Failures()))
		}
		return frame.Settings{}, err
	}
	e.succeeded()
	return e.settings(reply), nil
}

// command runs a setting exchange and acknowledges the reply.
func (e *Engine) command(ctx context.Context, op string, build func(DeviceAddress) *frame.Frame) (frame.Settings, error) {
	e.exMu.Lock()
	defer e.exMu.Unlock()

	addr, ok := e.Address()
	if !ok {
		return frame.Settings{}, ErrNotPaired
	}

	reply, err := e.exchange(ctx, op, build(addr), e.settingsFor(addr))
	if err != nil {
		if ctx.Err() != nil {
			return frame.Settings{}, err
		}
		e.monitor.RecordFailure(e.timeNow())
		if e.State() == StateLinked {
			e.setState(StateLost, op+" not acknowledged")
		}
		return frame.Settings{}, err
	}
	e.succeeded()

	// The unit expects a confirmation; it is not answered.
	ack := frame.NewSetSpeedReply(addr.Self, addr.MainUnit)
	if err := e.waitAirway(ctx); err != nil {
		e.debugLog("acknowledgement not sent", "op", op, "error", err)
	} else if err := e.transmit(ack); err != nil {
		e.debugLog("acknowledgement not sent", "op", op, "error", err)
	}
	return e.settings(reply), nil
}

func (e *Engine) succeeded() {
	e.monitor.RecordSuccess(e.timeNow())
	if e.State() == StateLost {
		e.setState(StateLinked, "unit answered")
	}
}

// settingsFor matches a FanSettings frame addressed to us.
func (e *Engine) settingsFor(addr DeviceAddress) func(*frame.Frame) bool {
	return func(f *frame.Frame) bool {
		return f.Command == frame.CmdFanSettings && f.IsFor(addr.Self) && len(f.Params) >= 3
	}
}

func (e *Engine) settings(f *frame.Frame) frame.Settings {
	s, _ := f.FanSettings()
	if s.Voltage > 100 {
		if e.logger != nil {
			e.logger.Warn("unit reported voltage out of range, clamped", "voltage", s.Voltage)
		}
		s.Voltage = 100
	}
	return s
}

// exchange transmits tx until a frame satisfying match arrives or the retry
// budget is spent. The caller holds exMu.
func (e *Engine) exchange(ctx context.Context, op string, tx *frame.Frame, match func(*frame.Frame) bool) (*frame.Frame, error) {
	start := e.timeNow()
	var lastErr error

	attempt := 0
	for attempt < e.config.Retries {
		attempt++
		if err := ctx.Err(); err != nil {
			e.exchangeDone(op, attempt-1, start, log.OutcomeCancelled)
			return nil, err
		}

		if err := e.waitAirway(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				e.exchangeDone(op, attempt, start, log.OutcomeCancelled)
				return nil, ctx.Err()
			case errors.Is(err, ErrAirwayBusy):
				e.exchangeDone(op, attempt, start, log.OutcomeTimeout)
				return nil, fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
			case errors.Is(err, radio.ErrClosed):
				e.exchangeDone(op, attempt, start, log.OutcomeFailed)
				return nil, err
			}
			lastErr = err
			continue
		}

		if err := e.transmit(tx); err != nil {
			if errors.Is(err, radio.ErrClosed) {
				e.exchangeDone(op, attempt, start, log.OutcomeFailed)
				return nil, err
			}
			lastErr = err
			continue
		}

		reply, err := e.awaitReply(ctx, match)
		if reply != nil {
			e.exchangeDone(op, attempt, start, log.OutcomeSuccess)
			return reply, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				e.exchangeDone(op, attempt, start, log.OutcomeCancelled)
				return nil, ctx.Err()
			}
			lastErr = err
		}
		e.debugLog("no reply", "op", op, "attempt", attempt)
	}

	e.exchangeDone(op, attempt, start, log.OutcomeTimeout)
	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrTimeout, attempt, lastErr)
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", op, ErrTimeout, attempt)
}

// waitAirway blocks until no carrier is present on the channel.
func (e *Engine) waitAirway(ctx context.Context) error {
	deadline := time.Now().Add(e.config.AirwayTimeout)
	for {
		busy, err := e.radio.AirwayBusy()
		if err != nil {
			e.captureError(log.LayerRadio, err, "airway")
			return err
		}
		if !busy {
			return nil
		}
		if !time.Now().Before(deadline) {
			e.captureError(log.LayerRadio, ErrAirwayBusy, "airway")
			return ErrAirwayBusy
		}

		timer := time.NewTimer(e.config.AirwayPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) transmit(f *frame.Frame) error {
	data := e.codec.Encode(f)
	e.captureFrame(log.DirectionOut, log.LayerFrame, data, f, "")
	if err := e.radio.Transmit(data); err != nil {
		e.captureError(log.LayerRadio, err, "transmit "+f.Command.String())
		return err
	}
	return nil
}

// awaitReply receives until a matching frame arrives or the reply timeout
// elapses. It returns nil, nil on timeout.
func (e *Engine) awaitReply(ctx context.Context, match func(*frame.Frame) bool) (*frame.Frame, error) {
	deadline := time.Now().Add(e.config.ReplyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		data, err := e.radio.Receive(ctx, remaining)
		if err != nil {
			if ctx.Err() == nil {
				e.captureError(log.LayerRadio, err, "receive")
			}
			return nil, err
		}
		if data == nil {
			return nil, nil
		}

		f, err := e.codec.Decode(data)
		if err != nil {
			e.captureFrame(log.DirectionIn, log.LayerRadio, data, nil, "malformed")
			e.debugLog("dropped malformed frame", "error", err)
			continue
		}
		if !match(f) {
			e.captureFrame(log.DirectionIn, log.LayerFrame, data, f, "unexpected")
			e.debugLog("dropped frame", "frame", f.String())
			continue
		}
		e.captureFrame(log.DirectionIn, log.LayerFrame, data, f, "")
		return f, nil
	}
}

// tune points the radio at a network address.
func (e *Engine) tune(address uint32) error {
	if err := e.radio.Configure(e.config.radioConfig(address)); err != nil {
		e.captureError(log.LayerRadio, err, "configure")
		return err
	}
	e.mu.Lock()
	e.tuned = address
	e.mu.Unlock()
	e.debugLog("radio tuned", "address", fmt.Sprintf("0x%08X", address))
	return nil
}

func (e *Engine) setState(s LinkState, reason string) {
	e.mu.Lock()
	old := e.state
	if old == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	fn := e.onStateChange
	e.mu.Unlock()

	e.monitor.SetState(s)
	if e.logger != nil {
		e.logger.Info("link state changed", "from", old, "to", s, "reason", reason)
	}
	e.log(log.Event{
		Layer:       log.LayerLink,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{OldState: old.String(), NewState: s.String(), Reason: reason},
	})
	if fn != nil {
		fn(old, s)
	}
}

func (e *Engine) exchangeDone(op string, attempts int, start time.Time, outcome log.Outcome) {
	e.log(log.Event{
		Layer:    log.LayerLink,
		Category: log.CategoryExchange,
		Exchange: &log.ExchangeEvent{
			Operation: op,
			Attempts:  attempts,
			Duration:  e.timeNow().Sub(start),
			Outcome:   outcome,
		},
	})
}

func (e *Engine) captureFrame(dir log.Direction, layer log.Layer, data []byte, f *frame.Frame, dropReason string) {
	if e.capture == nil {
		return
	}
	fe := log.NewFrameEvent(append([]byte(nil), data...), f)
	if dropReason != "" {
		fe.Dropped = true
		fe.DropReason = dropReason
	}
	e.log(log.Event{Direction: dir, Layer: layer, Category: log.CategoryFrame, Frame: fe})
}

func (e *Engine) captureError(layer log.Layer, err error, during string) {
	e.log(log.Event{
		Layer:    layer,
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Layer: layer, Message: err.Error(), Context: during},
	})
}

// log stamps the event with the current network and peer.
func (e *Engine) log(ev log.Event) {
	if e.capture == nil {
		return
	}
	e.mu.RLock()
	ev.NetworkID = e.tuned
	if e.state.Paired() {
		ev.Peer = e.addr.MainUnit.String()
	}
	e.mu.RUnlock()
	e.capture.Log(ev)
}

func (e *Engine) debugLog(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}
