package interactive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/health"
	"github.com/zehnder-rf/zehnder-go/pkg/history"
	"github.com/zehnder-rf/zehnder-go/pkg/link"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
)

// ---------------------------------------------------------------------------
// stubs
// ---------------------------------------------------------------------------

type stubFan struct{ mock.Mock }

func (s *stubFan) SetSpeed(ctx context.Context, level int) error { return s.Called(level).Error(0) }
func (s *stubFan) SetTimedOverride(ctx context.Context, level, minutes int) error {
	return s.Called(level, minutes).Error(0)
}
func (s *stubFan) ResetToAuto(ctx context.Context) error { return s.Called().Error(0) }
func (s *stubFan) SetPreset(ctx context.Context, p frame.Preset) error {
	return s.Called(p).Error(0)
}
func (s *stubFan) Refresh(ctx context.Context) error { return s.Called().Error(0) }
func (s *stubFan) Pair(ctx context.Context) (protocol.DeviceAddress, error) {
	ret := s.Called()
	return ret.Get(0).(protocol.DeviceAddress), ret.Error(1)
}
func (s *stubFan) Unpair(ctx context.Context) error { return s.Called().Error(0) }
func (s *stubFan) CurrentStatus() controller.Status {
	return s.Called().Get(0).(controller.Status)
}
func (s *stubFan) Health() health.View { return s.Called().Get(0).(health.View) }
func (s *stubFan) SessionID() string   { return s.Called().String(0) }

type stubHistory struct{ mock.Mock }

func (s *stubHistory) Recent(limit int) ([]history.Sample, error) {
	ret := s.Called(limit)
	samples, _ := ret.Get(0).([]history.Sample)
	return samples, ret.Error(1)
}
func (s *stubHistory) Stats(from, to time.Time) (history.Stats, error) {
	ret := s.Called(to.Sub(from))
	return ret.Get(0).(history.Stats), ret.Error(1)
}

type fixedHealth struct {
	state       link.State
	healthy     bool
	failures    int
	lastSuccess time.Time
}

func (h fixedHealth) State() link.State      { return h.state }
func (h fixedHealth) Linked() bool           { return h.state == link.Linked }
func (h fixedHealth) Healthy() bool          { return h.healthy }
func (h fixedHealth) Failures() int          { return h.failures }
func (h fixedHealth) LastSuccess() time.Time { return h.lastSuccess }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

var addr = protocol.DeviceAddress{
	NetworkID: 0x3A7C19E5,
	MainUnit:  frame.Endpoint{Type: frame.TypeMainUnit, ID: 0x9C},
	Self:      frame.Endpoint{Type: frame.TypeRemoteControl, ID: 0x42},
}

func newTestShell(hist History) (*Shell, *stubFan, *bytes.Buffer) {
	fan := &stubFan{}
	var out bytes.Buffer
	s := newShell(fan, hist, &out)
	s.timeNow = func() time.Time { return now }
	return s, fan, &out
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestControlCommands(t *testing.T) {
	tests := []struct {
		line  string
		setup func(*stubFan)
		want  string
	}{
		{"speed 40", func(f *stubFan) { f.On("SetSpeed", 40).Return(nil) }, "Speed set to 40%"},
		{"s 65%", func(f *stubFan) { f.On("SetSpeed", 65).Return(nil) }, "Speed set to 65%"},
		{"override 80 30", func(f *stubFan) { f.On("SetTimedOverride", 80, 30).Return(nil) }, "Override at 80% for 30 minutes"},
		{"override 80 0", func(f *stubFan) { f.On("SetTimedOverride", 80, 0).Return(nil) }, "Automatic mode restored"},
		{"auto", func(f *stubFan) { f.On("ResetToAuto").Return(nil) }, "Automatic mode restored"},
		{"preset high", func(f *stubFan) { f.On("SetPreset", frame.PresetHigh).Return(nil) }, "Preset set to HIGH"},
		{"PRESET Low", func(f *stubFan) { f.On("SetPreset", frame.PresetLow).Return(nil) }, "Preset set to LOW"},
		{"unpair", func(f *stubFan) { f.On("Unpair").Return(nil) }, "Pairing removed"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			s, fan, out := newTestShell(nil)
			tt.setup(fan)

			assert.False(t, s.Execute(context.Background(), tt.line))
			assert.Contains(t, out.String(), tt.want)
			fan.AssertExpectations(t)
		})
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"speed", "Usage: speed"},
		{"speed fast", "Invalid level: fast"},
		{"override 50", "Usage: override"},
		{"override x 5", "Invalid level: x"},
		{"override 50 soon", "Invalid minutes: soon"},
		{"preset", "Usage: preset"},
		{"preset turbo", "unknown preset"},
		{"history", "History is not enabled"},
		{"dance", "Unknown command: dance"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			s, fan, out := newTestShell(nil)
			assert.False(t, s.Execute(context.Background(), tt.line))
			assert.Contains(t, out.String(), tt.want)
			fan.AssertExpectations(t)
		})
	}
}

func TestErrorReporting(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("set speed: %w", controller.ErrNotPaired), "Not paired"},
		{controller.ErrBusy, "Busy, try again"},
		{fmt.Errorf("set speed: %w", controller.ErrTimeout), "No reply from fan unit"},
		{fmt.Errorf("%w: level 120", controller.ErrInvalidArgument), "Error: invalid argument: level 120"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s, fan, out := newTestShell(nil)
			fan.On("SetSpeed", 120).Return(tt.err)

			s.Execute(context.Background(), "speed 120")
			assert.Contains(t, out.String(), tt.want)
			assert.NotContains(t, out.String(), "Speed set")
		})
	}
}

func TestQuit(t *testing.T) {
	for _, line := range []string{"quit", "exit", "q", "  QUIT  "} {
		s, _, out := newTestShell(nil)
		assert.True(t, s.Execute(context.Background(), line), line)
		assert.Contains(t, out.String(), "Exiting")
	}

	s, _, _ := newTestShell(nil)
	assert.False(t, s.Execute(context.Background(), "   "))
}

func TestHelp(t *testing.T) {
	s, _, out := newTestShell(nil)
	s.Execute(context.Background(), "help")
	for _, cmd := range []string{"speed <0-100>", "override", "preset <name>", "history stats", "pair"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestStatus(t *testing.T) {
	t.Run("unpaired", func(t *testing.T) {
		s, fan, out := newTestShell(nil)
		fan.On("CurrentStatus").Return(controller.Status{Link: protocol.StateUnpaired, Healthy: true})

		s.Execute(context.Background(), "status")
		assert.Contains(t, out.String(), "Link:      UNPAIRED")
		assert.Contains(t, out.String(), "Speed:     unknown")
		assert.NotContains(t, out.String(), "Address")
	})

	t.Run("overridden", func(t *testing.T) {
		s, fan, out := newTestShell(nil)
		fan.On("CurrentStatus").Return(controller.Status{
			Reported:          true,
			Speed:             75,
			Preset:            frame.PresetHigh,
			OverrideRemaining: 12,
			Setting:           40,
			Link:              protocol.StateLost,
			Address:           addr,
			UpdatedAt:         now,
		})

		s.Execute(context.Background(), "status")
		output := out.String()
		assert.Contains(t, output, "LOST (unhealthy)")
		assert.Contains(t, output, "net=0x3A7C19E5")
		assert.Contains(t, output, "Speed:     75%")
		assert.Contains(t, output, "Preset:    HIGH")
		assert.Contains(t, output, "Setting:   40%")
		assert.Contains(t, output, "Override:  12 min remaining")
		assert.Contains(t, output, "Updated:   12:00:00")
	})

	t.Run("refresh", func(t *testing.T) {
		s, fan, out := newTestShell(nil)
		fan.On("Refresh").Return(nil)
		fan.On("CurrentStatus").Return(controller.Status{Reported: true, Speed: 40, Healthy: true, Link: protocol.StateLinked})

		s.Execute(context.Background(), "refresh")
		assert.Contains(t, out.String(), "Speed:     40%")
		fan.AssertExpectations(t)
	})
}

func TestHealth(t *testing.T) {
	s, fan, out := newTestShell(nil)
	fan.On("Health").Return(fixedHealth{state: link.Lost, failures: 4, lastSuccess: now.Add(-90 * time.Second)})
	fan.On("SessionID").Return("4f1c2a9e-0d3b-4c55-9a7e-1b2c3d4e5f60")

	s.Execute(context.Background(), "health")
	output := out.String()
	assert.Contains(t, output, "State:        LOST")
	assert.Contains(t, output, "Healthy:      false")
	assert.Contains(t, output, "Failures:     4")
	assert.Contains(t, output, "(1m30s ago)")
	assert.Contains(t, output, "Session:      4f1c2a9e")

	s, fan, out = newTestShell(nil)
	fan.On("Health").Return(fixedHealth{state: link.Unpaired, healthy: true})
	fan.On("SessionID").Return("")
	s.Execute(context.Background(), "health")
	assert.Contains(t, out.String(), "Last success: never")
	assert.NotContains(t, out.String(), "Session")
}

func TestPair(t *testing.T) {
	s, fan, out := newTestShell(nil)
	fan.On("Pair").Return(addr, nil)

	s.Execute(context.Background(), "pair")
	assert.Contains(t, out.String(), "Paired: net=0x3A7C19E5")

	s, fan, out = newTestShell(nil)
	fan.On("Pair").Return(protocol.DeviceAddress{}, fmt.Errorf("pair: %w", protocol.ErrPairingFailed))
	s.Execute(context.Background(), "pair")
	assert.Contains(t, out.String(), "Error: pair: pairing failed")
}

func TestHistory(t *testing.T) {
	samples := []history.Sample{
		{At: now, Reported: true, Speed: 70, Preset: frame.PresetAuto, Link: protocol.StateLinked, Healthy: true},
		{At: now.Add(-time.Minute), Reported: true, Speed: 40, Preset: frame.PresetAuto, Link: protocol.StateLinked, Healthy: true},
	}

	t.Run("recent", func(t *testing.T) {
		hist := &stubHistory{}
		hist.On("Recent", 20).Return(samples, nil)
		s, _, out := newTestShell(hist)

		s.Execute(context.Background(), "history")
		output := out.String()
		require.Contains(t, output, "speed=40%")
		assert.Less(t, bytes.Index(out.Bytes(), []byte("speed=40%")), bytes.Index(out.Bytes(), []byte("speed=70%")))
		hist.AssertExpectations(t)
	})

	t.Run("count", func(t *testing.T) {
		hist := &stubHistory{}
		hist.On("Recent", 5).Return(nil, nil)
		s, _, out := newTestShell(hist)

		s.Execute(context.Background(), "history 5")
		assert.Contains(t, out.String(), "No history recorded")
		hist.AssertExpectations(t)
	})

	t.Run("bad count", func(t *testing.T) {
		s, _, out := newTestShell(&stubHistory{})
		s.Execute(context.Background(), "history -3")
		assert.Contains(t, out.String(), "Invalid count: -3")
	})

	t.Run("error", func(t *testing.T) {
		hist := &stubHistory{}
		hist.On("Recent", 20).Return(nil, errors.New("database is locked"))
		s, _, out := newTestShell(hist)

		s.Execute(context.Background(), "history")
		assert.Contains(t, out.String(), "Error: database is locked")
	})

	t.Run("stats", func(t *testing.T) {
		hist := &stubHistory{}
		hist.On("Stats", 6*time.Hour).Return(history.Stats{Count: 12, LinkedCount: 10, LostCount: 2, AverageSpeed: 47.5, MaxSpeed: 100}, nil)
		s, _, out := newTestShell(hist)

		s.Execute(context.Background(), "history stats 6")
		output := out.String()
		assert.Contains(t, output, "Last 6h0m0s:")
		assert.Contains(t, output, "Samples:       12")
		assert.Contains(t, output, "Linked/Lost:   10/2")
		assert.Contains(t, output, "Average speed: 47.5%")
		assert.Contains(t, output, "Max speed:     100%")
		hist.AssertExpectations(t)
	})

	t.Run("stats default window", func(t *testing.T) {
		hist := &stubHistory{}
		hist.On("Stats", 24*time.Hour).Return(history.Stats{}, nil)
		s, _, out := newTestShell(hist)

		s.Execute(context.Background(), "history stats")
		assert.Contains(t, out.String(), "Samples:       0")
		assert.NotContains(t, out.String(), "Average")
	})
}

func TestParsePreset(t *testing.T) {
	for in, want := range map[string]frame.Preset{
		"auto": frame.PresetAuto, "LOW": frame.PresetLow, "med": frame.PresetMedium,
		"3": frame.PresetHigh, "max": frame.PresetMax,
	} {
		got, err := ParsePreset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePreset("5")
	assert.Error(t, err)
}
