// Package homekit exposes a fan controller as a HomeKit fan accessory.
package homekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/version"
)

// ErrInvalidConfig is returned for an unusable Config.
var ErrInvalidConfig = errors.New("invalid homekit configuration")

// DefaultActiveLevel is the level used when the fan is switched on from
// HomeKit without a previous standing level.
const DefaultActiveLevel = 50

// Fan is the part of the controller the bridge drives.
type Fan interface {
	SetSpeed(ctx context.Context, level int) error
	ResetToAuto(ctx context.Context) error
	CurrentStatus() controller.Status
	OnStatus(fn func(controller.Status))
}

// Config configures a Bridge.
type Config struct {
	// Name is the accessory name shown in the Home app.
	Name string

	// Pin is the 8 digit setup code.
	Pin string

	// StoreDir holds the HomeKit pairing keys.
	StoreDir string

	// Addr is the listen address. Empty selects a random port.
	Addr string

	// CommandTimeout bounds each command issued from HomeKit.
	CommandTimeout time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "Ventilation",
		Pin:            "00102003",
		StoreDir:       "homekit",
		CommandTimeout: 30 * time.Second,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if len(c.Pin) != 8 {
		return fmt.Errorf("%w: pin must have 8 digits", ErrInvalidConfig)
	}
	for _, r := range c.Pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: pin must have 8 digits", ErrInvalidConfig)
		}
	}
	if c.StoreDir == "" {
		return fmt.Errorf("%w: empty store directory", ErrInvalidConfig)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%w: command timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Bridge publishes one fan accessory.
type Bridge struct {
	config Config
	fan    Fan
	logger *slog.Logger

	acc *accessory.A
	svc *fanService

	mu        sync.Mutex
	lastLevel int

	// commands tracks remote updates still being sent to the unit.
	commands sync.WaitGroup
}

// NewBridge builds the accessory and subscribes it to fan status updates.
func NewBridge(fan Fan, config Config) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		config:    config,
		fan:       fan,
		logger:    config.Logger,
		svc:       newFanService(),
		lastLevel: DefaultActiveLevel,
	}
	b.acc = accessory.New(accessory.Info{
		Name:         config.Name,
		Manufacturer: "Zehnder",
		Model:        "RF remote",
		Firmware:     version.Version,
	}, accessory.TypeFan)
	b.acc.AddS(b.svc.S)

	b.svc.Active.OnValueRemoteUpdate(b.setActive)
	b.svc.TargetState.OnValueRemoteUpdate(b.setTarget)
	b.svc.RotationSpeed.OnValueRemoteUpdate(b.setSpeed)

	b.show(fan.CurrentStatus())
	fan.OnStatus(b.show)
	return b, nil
}

// Accessory returns the published accessory.
func (b *Bridge) Accessory() *accessory.A {
	return b.acc
}

// ListenAndServe runs the HomeKit server until ctx ends.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	server, err := hap.NewServer(hap.NewFsStore(b.config.StoreDir), b.acc)
	if err != nil {
		return fmt.Errorf("homekit server: %w", err)
	}
	server.Pin = b.config.Pin
	server.Addr = b.config.Addr

	if b.logger != nil {
		b.logger.Info("homekit bridge started", "name", b.config.Name, "addr", b.config.Addr)
	}
	err = server.ListenAndServe(ctx)
	b.commands.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (b *Bridge) show(st controller.Status) {
	if st.Setting > 0 {
		b.mu.Lock()
		b.lastLevel = int(st.Setting)
		b.mu.Unlock()
	}
	b.svc.show(st)
}

func (b *Bridge) setActive(v int) {
	if v == characteristic.ActiveInactive {
		b.send("switch off", func(ctx context.Context) error { return b.fan.SetSpeed(ctx, 0) })
		return
	}
	b.mu.Lock()
	level := b.lastLevel
	b.mu.Unlock()
	b.send("switch on", func(ctx context.Context) error { return b.fan.SetSpeed(ctx, level) })
}

func (b *Bridge) setTarget(v int) {
	if v == characteristic.TargetFanStateAuto {
		b.send("auto", b.fan.ResetToAuto)
		return
	}
	level := int(math.Round(b.svc.RotationSpeed.Value()))
	if level == 0 {
		b.mu.Lock()
		level = b.lastLevel
		b.mu.Unlock()
	}
	b.send("manual", func(ctx context.Context) error { return b.fan.SetSpeed(ctx, level) })
}

func (b *Bridge) setSpeed(v float64) {
	level := int(math.Round(v))
	level = max(0, min(level, controller.MaxLevel))
	b.send("speed", func(ctx context.Context) error { return b.fan.SetSpeed(ctx, level) })
}

// send runs a command off the HomeKit request goroutine. The characteristics
// catch up through the controller's status updates.
func (b *Bridge) send(op string, fn func(context.Context) error) {
	b.commands.Add(1)
	go func() {
		defer b.commands.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.config.CommandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && b.logger != nil {
			b.logger.Warn("homekit command failed", "op", op, "error", err)
			return
		}
		if b.logger != nil {
			b.logger.Debug("homekit command sent", "op", op)
		}
	}()
}
