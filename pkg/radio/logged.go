package radio

import (
	"context"
	"log/slog"
	"time"
)

// NewLogged wraps a Transceiver and logs every configure, transmit and
// receive at the given level. Errors are logged at error level.
func NewLogged(inner Transceiver, logger *slog.Logger, level slog.Level) Transceiver {
	return &logged{inner: inner, logger: logger, level: level}
}

type logged struct {
	inner  Transceiver
	logger *slog.Logger
	level  slog.Level
}

func (l *logged) Configure(cfg Config) error {
	err := l.inner.Configure(cfg)
	if err != nil {
		l.logger.Log(context.Background(), slog.LevelError, "radio configure error",
			"config", cfg.String(),
			"error", err,
		)
		return err
	}
	l.logger.Log(context.Background(), l.level, "radio configure",
		"channel", cfg.Channel,
		"band", cfg.Band.String(),
		"address", cfg.Address,
		"width", cfg.PayloadWidth,
	)
	return nil
}

func (l *logged) Transmit(data []byte) error {
	l.logger.Log(context.Background(), l.level, "radio transmit",
		"len", len(data),
		"data", data,
	)
	err := l.inner.Transmit(data)
	if err != nil {
		l.logger.Log(context.Background(), slog.LevelError, "radio transmit error",
			"error", err,
		)
	}
	return err
}

func (l *logged) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	data, err := l.inner.Receive(ctx, timeout)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			l.logger.Log(ctx, slog.LevelError, "radio receive error",
				"error", err,
			)
		}
	case data != nil:
		l.logger.Log(ctx, l.level, "radio receive",
			"len", len(data),
			"data", data,
		)
	}
	return data, err
}

// AirwayBusy forwards without logging; it is polled in a tight loop.
func (l *logged) AirwayBusy() (bool, error) {
	return l.inner.AirwayBusy()
}

func (l *logged) Close() error {
	return l.inner.Close()
}
