// Command zehnder-fan controls a Zehnder ventilation unit over RF.
//
// It pairs with the unit, polls its status, and accepts speed and override
// commands from an interactive shell or HomeKit. Optional features:
//   - Pairing persistence across restarts
//   - Protocol capture for zehnder-log
//   - Status history in SQLite
//   - HomeKit fan accessory
//
// Usage:
//
//	zehnder-fan [flags]
//
// Flags:
//
//	-config string       YAML configuration file
//	-backend string      Radio backend: sim, nrf905, serial (default "sim")
//	-serial-port string  Serial bridge port (default "/dev/ttyUSB0")
//	-spi string          nRF905 SPI port (default "/dev/spidev0.0")
//	-state-dir string    Directory for persistent state
//	-reset               Clear the stored pairing before starting
//	-log-level string    Log level: debug, info, warn, error (default "info")
//	-interactive         Enable interactive command mode
//	-capture string      Write a protocol capture to this .rflog file
//	-history string      Record status history to this SQLite file
//	-homekit             Expose the fan as a HomeKit accessory
//	-policy string       Requests during an exchange: queue, reject (default "queue")
//	-poll duration       Status poll interval (default 30s)
//	-auto-pair           Pair on start when no pairing is stored
//
// Examples:
//
//	# Try the shell against a simulated unit
//	zehnder-fan -interactive -auto-pair -startup-delay 0
//
//	# Run on a Raspberry Pi nRF905 hat, remembering the pairing
//	zehnder-fan -backend nrf905 -state-dir /var/lib/zehnder-fan -interactive
//
//	# Daemon with HomeKit, history and a capture
//	zehnder-fan -config /etc/zehnder-fan.yaml -homekit -history fan.db -capture fan.rflog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/zehnder-rf/zehnder-go/cmd/zehnder-fan/interactive"
	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/history"
	"github.com/zehnder-rf/zehnder-go/pkg/homekit"
	rflog "github.com/zehnder-rf/zehnder-go/pkg/log"
	"github.com/zehnder-rf/zehnder-go/pkg/persistence"
	"github.com/zehnder-rf/zehnder-go/pkg/version"
)

func main() {
	opts, err := parseOptions("zehnder-fan", os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "zehnder-fan: %v\n", err)
		os.Exit(2)
	}
	if opts.Version {
		fmt.Println(version.String("zehnder-fan"))
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "zehnder-fan: %v\n", err)
		os.Exit(1)
	}
}

func run(opts Options) error {
	level, err := logLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	out := &logOutput{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	logger.Info("starting", "version", version.Version, "backend", opts.Backend)

	cfg, err := opts.controllerConfig(logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Pairing persistence
	if opts.StateDir != "" {
		store := persistence.NewPairingStore(filepath.Join(opts.StateDir, "pairing.json"))
		if opts.Reset {
			logger.Info("clearing stored pairing", "path", store.Path())
			if err := store.Clear(); err != nil {
				logger.Warn("failed to clear pairing", "error", err)
			}
		}
		cfg.Store = store
	}

	// Protocol capture
	if opts.Capture != "" {
		capture, err := rflog.NewFileLogger(opts.Capture)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer capture.Close()

		var pl rflog.Logger = capture
		if level <= slog.LevelDebug {
			pl = rflog.NewMultiLogger(capture, rflog.NewSlogAdapter(logger.With("component", "capture")))
		}
		cfg.Protocol.ProtocolLogger = pl
		logger.Info("protocol capture enabled", "path", opts.Capture)
	}

	tr, closeBackend, err := openBackend(ctx, &opts, cfg.Protocol, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	ctrl, err := controller.New(tr, cfg)
	if err != nil {
		tr.Close()
		return err
	}
	defer ctrl.Close()

	ctrl.OnStatus(func(st controller.Status) {
		logger.Debug("status", "status", st.String())
	})

	// Status history
	var hist interactive.History
	if opts.History != "" {
		store, err := history.NewStore(opts.History)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()

		rec := history.NewRecorder(store, history.RecorderConfig{
			Retention: opts.HistoryRetention,
			Logger:    logger.With("component", "history"),
		})
		defer rec.Close()
		rec.Attach(ctrl)
		hist = store
		logger.Info("recording history", "path", opts.History)
	}

	// HomeKit
	var wg sync.WaitGroup
	defer wg.Wait()
	if opts.HomeKit {
		hcfg := homekit.DefaultConfig()
		hcfg.Name = opts.HomeKitName
		hcfg.Pin = opts.HomeKitPin
		hcfg.Addr = opts.HomeKitAddr
		hcfg.StoreDir = filepath.Join(opts.StateDir, "homekit")
		hcfg.Logger = logger.With("component", "homekit")

		bridge, err := homekit.NewBridge(ctrl, hcfg)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.ListenAndServe(ctx); err != nil {
				logger.Error("homekit server stopped", "error", err)
			}
		}()
		logger.Info("homekit accessory published", "name", hcfg.Name, "pin", hcfg.Pin)
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	if st := ctrl.CurrentStatus(); st.Address.Valid() {
		logger.Info("pairing restored", "address", st.Address.String())
	} else if !opts.AutoPair {
		logger.Info("not paired; use the pair command while the unit is in pairing mode")
	}

	if opts.Interactive {
		shell, err := interactive.New(ctrl, hist)
		if err != nil {
			return err
		}
		// Route log output through readline so it does not break the prompt.
		out.Set(shell.Stdout())
		go shell.Run(ctx, cancel)
	}

	<-ctx.Done()
	out.Set(os.Stderr)
	logger.Info("shutting down")
	return nil
}

// logOutput is an io.Writer whose destination can be swapped at runtime.
type logOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *logOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

// Set changes the destination.
func (o *logOutput) Set(w io.Writer) {
	o.mu.Lock()
	o.w = w
	o.mu.Unlock()
}
