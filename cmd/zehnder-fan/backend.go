package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
	"github.com/zehnder-rf/zehnder-go/pkg/radio/nrf905"
	"github.com/zehnder-rf/zehnder-go/pkg/radio/serialbridge"
	"github.com/zehnder-rf/zehnder-go/pkg/simulator"
)

// openBackend opens the transceiver selected by o.Backend. The returned
// cleanup releases anything the backend started besides the transceiver
// itself, which the controller closes.
func openBackend(ctx context.Context, o *Options, pcfg protocol.Config, logger *slog.Logger) (radio.Transceiver, func(), error) {
	var (
		tr      radio.Transceiver
		cleanup = func() {}
	)

	switch o.Backend {
	case BackendSim:
		air := radio.NewAir()
		cfg := simulator.DefaultConfig()
		cfg.Channel = pcfg.Channel
		cfg.Band = pcfg.Band
		cfg.Integrity = pcfg.Integrity
		cfg.MinuteLength = o.SimMinute
		cfg.Logger = logger.With("component", "simulator")

		unit, err := simulator.New(air, cfg)
		if err != nil {
			air.Close()
			return nil, nil, fmt.Errorf("start simulator: %w", err)
		}
		unit.OpenPairing(true)
		unit.Start(ctx)
		logger.Info("simulated fan unit running",
			"network", fmt.Sprintf("0x%08X", cfg.NetworkID), "channel", cfg.Channel, "band", cfg.Band)

		tr = air.Open()
		cleanup = func() {
			unit.Close()
			air.Close()
		}

	case BackendNRF905:
		dev, err := nrf905.Open(nrf905.Options{SPIPath: o.SPIPath, Pins: o.Pins})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("nRF905 opened", "spi", o.SPIPath)
		tr = dev

	case BackendSerial:
		bridge, err := serialbridge.Open(o.SerialPort, serialbridge.Options{
			BaudRate: o.SerialBaud,
			Logger:   logger.With("component", "serialbridge"),
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("serial bridge opened", "port", o.SerialPort, "baud", o.SerialBaud)
		tr = bridge

	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", errUsage, o.Backend)
	}

	if o.TraceRadio {
		tr = radio.NewLogged(tr, logger.With("component", "radio"), slog.LevelDebug)
	}
	return tr, cleanup, nil
}
