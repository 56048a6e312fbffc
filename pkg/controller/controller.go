package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/health"
	"github.com/zehnder-rf/zehnder-go/pkg/link"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// Controller drives one fan unit.
type Controller struct {
	config Config
	engine *protocol.Engine
	logger *slog.Logger

	// slot holds the right to run an exchange.
	slot chan struct{}

	mu       sync.RWMutex
	status   Status
	handlers []func(Status)

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pairer  *link.Supervisor

	timeNow func() time.Time
}

// New creates a controller over the transceiver. The transceiver is owned
// by the controller from here on and closed by Close.
func New(tr radio.Transceiver, config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Protocol.Logger == nil {
		config.Protocol.Logger = config.Logger
	}

	engine, err := protocol.NewEngine(tr, config.Protocol)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		config:  config,
		engine:  engine,
		logger:  config.Logger,
		slot:    make(chan struct{}, 1),
		timeNow: time.Now,
	}
	c.status = Status{Link: engine.State()}
	engine.OnStateChange(func(_, _ protocol.LinkState) {
		c.update(nil, nil)
	})
	return c, nil
}

// Start restores a stored pairing and starts the poll loop.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if c.config.Store != nil {
		addr, err := c.config.Store.LoadAddress()
		if err != nil {
			return fmt.Errorf("load pairing: %w", err)
		}
		if addr != nil {
			if err := c.engine.Restore(*addr); err != nil {
				return fmt.Errorf("restore pairing: %w", err)
			}
			c.debugLog("pairing restored", "address", addr.String())
		}
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop ends the poll loop and any pairing retries. An exchange in flight is
// cancelled.
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	pairer := c.pairer
	c.cancel = nil
	c.started = false
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pairer != nil {
		pairer.Stop()
	}
	c.wg.Wait()
}

// Close stops the controller and closes the transceiver.
func (c *Controller) Close() error {
	c.Stop()
	return c.engine.Close()
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	if c.config.StartupDelay > 0 {
		timer := time.NewTimer(c.config.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if _, paired := c.engine.Address(); paired {
		c.poll(ctx)
	} else if c.config.AutoPair {
		c.startPairing(ctx)
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, paired := c.engine.Address(); paired {
				c.poll(ctx)
			}
		}
	}
}

func (c *Controller) startPairing(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s := link.NewSupervisor(func(ctx context.Context) error {
		_, err := c.Pair(ctx)
		return err
	}, link.NewBackoffWithConfig(c.config.PairBackoff))
	s.OnRetry(func(attempt int, delay time.Duration, err error) {
		if c.logger != nil {
			c.logger.Warn("pairing failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
	})
	s.OnSucceeded(func(attempts int) {
		c.debugLog("pairing succeeded", "attempts", attempts)
	})

	c.runMu.Lock()
	c.pairer = s
	c.runMu.Unlock()
	s.Start(ctx)
}

// poll refreshes the status. Polls wait for the slot regardless of policy.
func (c *Controller) poll(ctx context.Context) {
	if err := c.acquire(ctx, PolicyQueue); err != nil {
		return
	}
	defer c.release()

	s, err := c.engine.Query(ctx)
	if err != nil {
		c.debugLog("poll failed", "error", err)
		c.update(nil, nil)
		return
	}
	c.update(&s, nil)
}

// SetSpeed sets the standing airflow level (0-100).
func (c *Controller) SetSpeed(ctx context.Context, level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("%w: level %d out of range 0..%d", ErrInvalidArgument, level, MaxLevel)
	}
	return c.do(ctx, "set speed", func(ctx context.Context) (frame.Settings, error) {
		return c.engine.SetVoltage(ctx, uint8(level))
	}, func(st *Status) {
		st.Setting = uint8(level)
	})
}

// SetTimedOverride runs the fan at level for the given minutes (0-255),
// after which the unit returns to its standing setting. Zero minutes is
// ResetToAuto.
func (c *Controller) SetTimedOverride(ctx context.Context, level, minutes int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("%w: level %d out of range 0..%d", ErrInvalidArgument, level, MaxLevel)
	}
	if minutes < 0 || minutes > MaxMinutes {
		return fmt.Errorf("%w: minutes %d out of range 0..%d", ErrInvalidArgument, minutes, MaxMinutes)
	}
	if minutes == 0 {
		return c.ResetToAuto(ctx)
	}
	preset := PresetForLevel(uint8(level))
	return c.do(ctx, "set timed override", func(ctx context.Context) (frame.Settings, error) {
		return c.engine.SetTimer(ctx, preset, uint8(minutes))
	}, nil)
}

// ResetToAuto clears any override and returns the unit to automatic mode.
func (c *Controller) ResetToAuto(ctx context.Context) error {
	return c.do(ctx, "reset to auto", c.engine.ResetToAuto, clearSetting)
}

// SetPreset selects a standing preset.
func (c *Controller) SetPreset(ctx context.Context, preset frame.Preset) error {
	if preset > frame.PresetMax {
		return fmt.Errorf("%w: preset %d", ErrInvalidArgument, preset)
	}
	return c.do(ctx, "set preset", func(ctx context.Context) (frame.Settings, error) {
		return c.engine.SetPreset(ctx, preset)
	}, clearSetting)
}

// clearSetting drops the SetSpeed level once a preset or automatic mode
// replaces it.
func clearSetting(st *Status) { st.Setting = 0 }

// Refresh polls the unit now.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.do(ctx, "refresh", c.engine.Query, nil)
}

// Pair joins a unit in pairing mode and stores the address.
func (c *Controller) Pair(ctx context.Context) (protocol.DeviceAddress, error) {
	if err := c.acquire(ctx, c.config.Policy); err != nil {
		return protocol.DeviceAddress{}, err
	}
	defer c.release()

	addr, err := c.engine.Pair(ctx)
	if err != nil {
		c.update(nil, nil)
		return protocol.DeviceAddress{}, fmt.Errorf("pair: %w", err)
	}
	if c.config.Store != nil {
		if err := c.config.Store.SaveAddress(addr); err != nil && c.logger != nil {
			c.logger.Error("saving pairing failed", "error", err)
		}
	}
	c.update(nil, nil)
	return addr, nil
}

// Unpair forgets the unit and clears the stored address.
func (c *Controller) Unpair(ctx context.Context) error {
	if err := c.acquire(ctx, c.config.Policy); err != nil {
		return err
	}
	defer c.release()

	if err := c.engine.Unpair(); err != nil {
		return fmt.Errorf("unpair: %w", err)
	}
	c.update(nil, func(st *Status) {
		*st = Status{}
	})

	if c.config.Store != nil {
		return c.config.Store.Clear()
	}
	return nil
}

// CurrentStatus returns the last known status without blocking.
func (c *Controller) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Health returns the link health view.
func (c *Controller) Health() health.View {
	return c.engine.Health()
}

// SessionID returns the protocol capture session id.
func (c *Controller) SessionID() string {
	return c.engine.SessionID()
}

// OnStatus registers a callback invoked after every status update.
// Callbacks run on the goroutine that performed the update and must not
// call back into the controller's exchange methods.
func (c *Controller) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// do runs one caller-initiated exchange under the policy.
// apply, if set, adjusts the status after a successful exchange.
func (c *Controller) do(ctx context.Context, op string, fn func(context.Context) (frame.Settings, error), apply func(*Status)) error {
	if err := c.acquire(ctx, c.config.Policy); err != nil {
		return err
	}
	defer c.release()

	s, err := fn(ctx)
	if err != nil {
		c.update(nil, nil)
		return fmt.Errorf("%s: %w", op, err)
	}
	c.update(&s, apply)
	return nil
}

func (c *Controller) acquire(ctx context.Context, policy Policy) error {
	if policy == PolicyReject {
		select {
		case c.slot <- struct{}{}:
			return nil
		default:
			return ErrBusy
		}
	}
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() {
	<-c.slot
}

// update refreshes the link fields and, when s is set, the fan fields, then
// notifies the handlers.
func (c *Controller) update(s *frame.Settings, apply func(*Status)) {
	h := c.engine.Health()
	addr, _ := c.engine.Address()

	c.mu.Lock()
	st := &c.status
	if apply != nil {
		apply(st)
	}
	if s != nil {
		st.Speed = s.Voltage
		st.Preset = s.Preset
		st.OverrideRemaining = s.Timer
		st.Reported = true
	}
	st.Link = c.engine.State()
	st.Linked = st.Link == protocol.StateLinked
	st.Healthy = h.Healthy()
	st.Failures = h.Failures()
	st.LastSuccess = h.LastSuccess()
	st.Address = addr
	st.UpdatedAt = c.timeNow()
	snapshot := *st
	handlers := append([]func(Status){}, c.handlers...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(snapshot)
	}
}

func (c *Controller) debugLog(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
