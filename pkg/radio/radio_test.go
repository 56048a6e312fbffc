package radio

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(addr uint32) Config {
	return Config{
		Channel:      118,
		Band:         Band868,
		Address:      addr,
		PayloadWidth: 16,
		TxPower:      Power10,
		Repeats:      4,
	}
}

func payload(b byte) []byte {
	p := make([]byte, 16)
	p[0] = b
	return p
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"Valid", func(*Config) {}, true},
		{"MaxChannel", func(c *Config) { c.Channel = MaxChannel }, true},
		{"ChannelTooHigh", func(c *Config) { c.Channel = MaxChannel + 1 }, false},
		{"UnknownBand", func(c *Config) { c.Band = 2400 }, false},
		{"ZeroWidth", func(c *Config) { c.PayloadWidth = 0 }, false},
		{"WideWidth", func(c *Config) { c.PayloadWidth = MaxPayloadWidth + 1 }, false},
		{"BadPower", func(c *Config) { c.TxPower = Power10 + 1 }, false},
		{"NoRepeats", func(c *Config) { c.Repeats = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestRadioErrorMatching(t *testing.T) {
	cause := errors.New("spi: bus fault")
	err := Wrap("transmit", cause)

	assert.ErrorIs(t, err, ErrRadio)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "radio transmit: spi: bus fault", err.Error())
	assert.Same(t, err, Wrap("receive", err))
	assert.NoError(t, Wrap("transmit", nil))
}

func TestAirDeliversToMatchingStations(t *testing.T) {
	air := NewAir()
	defer air.Close()

	a, b, c := air.Open(), air.Open(), air.Open()
	require.NoError(t, a.Configure(testConfig(0x11223344)))
	require.NoError(t, b.Configure(testConfig(0x11223344)))
	require.NoError(t, c.Configure(testConfig(0x55667788)))

	require.NoError(t, a.Transmit(payload(7)))

	got, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, payload(7), got)

	got, err = c.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "station on another address must not hear the payload")

	got, err = a.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "sender must not hear itself")
	assert.Equal(t, 1, a.Sent())
}

func TestAirRetuneDropsQueued(t *testing.T) {
	air := NewAir()
	defer air.Close()

	a, b := air.Open(), air.Open()
	require.NoError(t, a.Configure(testConfig(1)))
	require.NoError(t, b.Configure(testConfig(1)))
	require.NoError(t, a.Transmit(payload(1)))

	require.NoError(t, b.Configure(testConfig(2)))
	got, err := b.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStationErrors(t *testing.T) {
	air := NewAir()
	defer air.Close()

	t.Run("NotConfigured", func(t *testing.T) {
		s := air.Open()
		assert.ErrorIs(t, s.Transmit(payload(1)), ErrRadio)
	})

	t.Run("WrongLength", func(t *testing.T) {
		s := air.Open()
		require.NoError(t, s.Configure(testConfig(1)))
		assert.ErrorIs(t, s.Transmit([]byte{1, 2}), ErrRadio)
	})

	t.Run("InjectedFaultIsOneShot", func(t *testing.T) {
		s := air.Open()
		require.NoError(t, s.Configure(testConfig(1)))
		cause := errors.New("pll unlocked")
		s.InjectFault(cause)

		err := s.Transmit(payload(1))
		assert.ErrorIs(t, err, ErrRadio)
		assert.ErrorIs(t, err, cause)
		assert.NoError(t, s.Transmit(payload(1)))
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		s := air.Open()
		cfg := testConfig(1)
		cfg.Repeats = 0
		err := s.Configure(cfg)
		assert.ErrorIs(t, err, ErrRadio)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestStationReceiveCancellation(t *testing.T) {
	air := NewAir()
	defer air.Close()
	s := air.Open()
	require.NoError(t, s.Configure(testConfig(1)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAirJam(t *testing.T) {
	air := NewAir()
	defer air.Close()
	s := air.Open()
	require.NoError(t, s.Configure(testConfig(1)))

	busy, err := s.AirwayBusy()
	require.NoError(t, err)
	assert.False(t, busy)

	air.Jam(118, true)
	busy, _ = s.AirwayBusy()
	assert.True(t, busy)

	air.Jam(118, false)
	busy, _ = s.AirwayBusy()
	assert.False(t, busy)
}

func TestAirCloseBehavior(t *testing.T) {
	air := NewAir()
	a, b := air.Open(), air.Open()
	require.NoError(t, b.Configure(testConfig(1)))

	_ = a.Close()
	_, err := a.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Configure(testConfig(1)), ErrClosed)

	_ = air.Close()
	assert.ErrorIs(t, b.Transmit(payload(1)), ErrClosed)
	_, err = air.Open().AirwayBusy()
	assert.ErrorIs(t, err, ErrClosed)
}

type recordSink struct {
	records []slog.Record
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }
func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	s.records = append(s.records, r.Clone())
	return nil
}
func (s *recordSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(string) slog.Handler      { return s }

func (s *recordSink) has(level slog.Level, msg string) bool {
	for _, r := range s.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}

func TestLogged(t *testing.T) {
	air := NewAir()
	defer air.Close()

	sink := &recordSink{}
	logger := slog.New(sink)
	tx := NewLogged(air.Open(), logger, slog.LevelDebug)
	rx := NewLogged(air.Open(), logger, slog.LevelDebug)

	require.NoError(t, tx.Configure(testConfig(9)))
	require.NoError(t, rx.Configure(testConfig(9)))
	require.NoError(t, tx.Transmit(payload(3)))
	_, err := rx.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	assert.True(t, sink.has(slog.LevelDebug, "radio configure"))
	assert.True(t, sink.has(slog.LevelDebug, "radio transmit"))
	assert.True(t, sink.has(slog.LevelDebug, "radio receive"))

	require.Error(t, tx.Transmit([]byte{1}))
	assert.True(t, sink.has(slog.LevelError, "radio transmit error"))

	_ = rx.Close()
	_, err = rx.Receive(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, sink.has(slog.LevelError, "radio receive error"))
}
