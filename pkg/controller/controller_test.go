package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/link"
	"github.com/zehnder-rf/zehnder-go/pkg/protocol"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
	"github.com/zehnder-rf/zehnder-go/pkg/simulator"
)

// ---------------------------------------------------------------------------
// stubStore
// ---------------------------------------------------------------------------

type stubStore struct{ mock.Mock }

func (s *stubStore) LoadAddress() (*protocol.DeviceAddress, error) {
	ret := s.Called()
	var addr *protocol.DeviceAddress
	if ret.Get(0) != nil {
		addr = ret.Get(0).(*protocol.DeviceAddress)
	}
	return addr, ret.Error(1)
}
func (s *stubStore) SaveAddress(addr protocol.DeviceAddress) error { return s.Called(addr).Error(0) }
func (s *stubStore) Clear() error                                  { return s.Called().Error(0) }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Protocol.ReplyTimeout = 30 * time.Millisecond
	cfg.Protocol.Retries = 3
	cfg.Protocol.AirwayTimeout = 50 * time.Millisecond
	cfg.Protocol.AirwayPoll = 2 * time.Millisecond
	cfg.PollInterval = time.Hour
	cfg.StartupDelay = 0
	cfg.PairBackoff = link.BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	return cfg
}

type fixture struct {
	unit *simulator.Unit
	ctrl *Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	air := radio.NewAir()
	t.Cleanup(func() { air.Close() })

	unit, err := simulator.New(air, simulator.DefaultConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	unit.Start(ctx)
	t.Cleanup(func() {
		cancel()
		unit.Close()
	})

	ctrl, err := New(air.Open(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })
	return &fixture{unit: unit, ctrl: ctrl}
}

func (c *Controller) busy() bool { return len(c.slot) == 1 }

func (f *fixture) pair(t *testing.T) {
	t.Helper()
	f.unit.OpenPairing(true)
	_, err := f.ctrl.Pair(context.Background())
	require.NoError(t, err)
	f.unit.OpenPairing(false)
}

var storedAddr = protocol.DeviceAddress{
	NetworkID: simulator.DefaultConfig().NetworkID,
	MainUnit:  frame.Endpoint{Type: frame.TypeMainUnit, ID: simulator.DefaultConfig().UnitID},
	Self:      frame.Endpoint{Type: frame.TypeRemoteControl, ID: 0x42},
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"poll interval zero", func(c *Config) { c.PollInterval = 0 }},
		{"poll interval negative", func(c *Config) { c.PollInterval = -time.Second }},
		{"policy", func(c *Config) { c.Policy = Policy(7) }},
		{"startup delay", func(c *Config) { c.StartupDelay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := New(radio.NewAir().Open(), cfg)
			assert.Error(t, err)
		})
	}

	cfg := DefaultConfig()
	cfg.Protocol.Retries = 0
	assert.ErrorIs(t, cfg.Validate(), protocol.ErrInvalidConfig)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyQueue, p)

	_, err = ParsePolicy("drop")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, "QUEUE", PolicyQueue.String())
	assert.Equal(t, "REJECT", PolicyReject.String())
}

func TestPresetForLevel(t *testing.T) {
	tests := []struct {
		level uint8
		want  frame.Preset
	}{
		{0, frame.PresetLow},
		{20, frame.PresetLow},
		{25, frame.PresetLow},
		{26, frame.PresetMedium},
		{50, frame.PresetMedium},
		{51, frame.PresetHigh},
		{75, frame.PresetHigh},
		{76, frame.PresetMax},
		{100, frame.PresetMax},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PresetForLevel(tt.level), "level %d", tt.level)
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "link=UNPAIRED healthy=true speed=?", Status{Healthy: true}.String())

	s := Status{Reported: true, Link: protocol.StateLinked, Healthy: true, Speed: 25, Preset: frame.PresetLow, OverrideRemaining: 5}
	assert.Equal(t, "link=LINKED healthy=true speed=25% preset=LOW override=5min", s.String())
	assert.True(t, s.Overridden())
}

func TestOperationsRequirePairing(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.SetSpeed(ctx, 40), ErrNotPaired)
	assert.ErrorIs(t, f.ctrl.SetTimedOverride(ctx, 40, 10), ErrNotPaired)
	assert.ErrorIs(t, f.ctrl.ResetToAuto(ctx), ErrNotPaired)
	assert.ErrorIs(t, f.ctrl.SetPreset(ctx, frame.PresetHigh), ErrNotPaired)
	assert.ErrorIs(t, f.ctrl.Refresh(ctx), ErrNotPaired)

	st := f.ctrl.CurrentStatus()
	assert.Equal(t, protocol.StateUnpaired, st.Link)
	assert.False(t, st.Reported)
}

func TestInvalidArguments(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.SetSpeed(ctx, -1), ErrInvalidArgument)
	assert.ErrorIs(t, f.ctrl.SetSpeed(ctx, 101), ErrInvalidArgument)
	assert.ErrorIs(t, f.ctrl.SetTimedOverride(ctx, 101, 5), ErrInvalidArgument)
	assert.ErrorIs(t, f.ctrl.SetTimedOverride(ctx, 50, 256), ErrInvalidArgument)
	assert.ErrorIs(t, f.ctrl.SetTimedOverride(ctx, 50, -1), ErrInvalidArgument)
	assert.ErrorIs(t, f.ctrl.SetPreset(ctx, frame.Preset(5)), ErrInvalidArgument)
}

func TestPairAndSetSpeed(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{}
	store.On("SaveAddress", mock.Anything).Return(nil)
	cfg.Store = store

	f := newFixture(t, cfg)
	f.pair(t)
	store.AssertNumberOfCalls(t, "SaveAddress", 1)

	st := f.ctrl.CurrentStatus()
	assert.Equal(t, protocol.StateLinked, st.Link)
	assert.True(t, st.Linked)
	assert.True(t, st.Address.Valid())

	require.NoError(t, f.ctrl.SetSpeed(context.Background(), 40))
	first := f.ctrl.CurrentStatus()
	assert.Equal(t, uint8(40), first.Speed)
	assert.Equal(t, uint8(40), first.Setting)
	assert.True(t, first.Reported)

	// Repeating the command re-applies the same setting.
	require.NoError(t, f.ctrl.SetSpeed(context.Background(), 40))
	second := f.ctrl.CurrentStatus()
	assert.Equal(t, first.Speed, second.Speed)
	assert.Equal(t, first.Preset, second.Preset)
	assert.Equal(t, first.OverrideRemaining, second.OverrideRemaining)
}

func TestTimedOverrideExpires(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pair(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.SetSpeed(ctx, 40))
	require.NoError(t, f.ctrl.SetTimedOverride(ctx, 20, 5))

	st := f.ctrl.CurrentStatus()
	assert.Equal(t, uint8(25), st.Speed)
	assert.Equal(t, frame.PresetLow, st.Preset)
	assert.Equal(t, uint8(5), st.OverrideRemaining)
	assert.Equal(t, uint8(40), st.Setting)

	for minute := 1; minute <= 5; minute++ {
		f.unit.AdvanceMinutes(1)
		require.NoError(t, f.ctrl.Refresh(ctx))
		assert.Equal(t, uint8(5-minute), f.ctrl.CurrentStatus().OverrideRemaining)
	}

	st = f.ctrl.CurrentStatus()
	assert.False(t, st.Overridden())
	assert.Equal(t, st.Setting, st.Speed)
}

func TestResetToAutoClearsOverride(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pair(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.SetTimedOverride(ctx, 90, 30))
	require.True(t, f.ctrl.CurrentStatus().Overridden())

	require.NoError(t, f.ctrl.ResetToAuto(ctx))
	require.NoError(t, f.ctrl.Refresh(ctx))
	st := f.ctrl.CurrentStatus()
	assert.False(t, st.Overridden())
	assert.Equal(t, frame.PresetAuto, st.Preset)
}

func TestPresetAndAutoClearSetting(t *testing.T) {
	tests := []struct {
		name string
		run  func(context.Context, *Controller) error
	}{
		{"reset to auto", func(ctx context.Context, c *Controller) error { return c.ResetToAuto(ctx) }},
		{"preset", func(ctx context.Context, c *Controller) error { return c.SetPreset(ctx, frame.PresetHigh) }},
		{"zero minute override", func(ctx context.Context, c *Controller) error { return c.SetTimedOverride(ctx, 60, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.pair(t)
			ctx := context.Background()

			require.NoError(t, f.ctrl.SetSpeed(ctx, 40))
			require.Equal(t, uint8(40), f.ctrl.CurrentStatus().Setting)

			require.NoError(t, tt.run(ctx, f.ctrl))
			assert.Zero(t, f.ctrl.CurrentStatus().Setting)

			// A poll does not bring the level back.
			require.NoError(t, f.ctrl.Refresh(ctx))
			assert.Zero(t, f.ctrl.CurrentStatus().Setting)
		})
	}
}

func TestZeroMinuteOverrideIsReset(t *testing.T) {
	f := newFixture(t, testConfig())
	f.pair(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.SetPreset(ctx, frame.PresetHigh))
	require.NoError(t, f.ctrl.SetTimedOverride(ctx, 60, 0))
	assert.Equal(t, frame.PresetAuto, f.ctrl.CurrentStatus().Preset)
	assert.Equal(t, 2, f.unit.Received(frame.CmdSetSpeed)+f.unit.Received(frame.CmdSetTimer))
}

func TestSetSpeedTimeoutBound(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.pair(t)
	f.unit.SetSilent(true)

	start := time.Now()
	err := f.ctrl.SetSpeed(context.Background(), 70)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, time.Duration(cfg.Protocol.Retries)*cfg.Protocol.ReplyTimeout+250*time.Millisecond)

	st := f.ctrl.CurrentStatus()
	assert.Equal(t, protocol.StateLost, st.Link)
	assert.False(t, st.Linked)
	assert.Equal(t, 1, st.Failures)
}

func TestPollWaitsForCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.Retries = 4
	cfg.PollInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.pair(t)
	ctx := context.Background()
	queries := f.unit.Received(frame.CmdQueryDevice)

	// Three lost replies keep the command on the air for several poll
	// intervals.
	f.unit.DropReplies(3)
	done := make(chan error, 1)
	go func() { done <- f.ctrl.SetSpeed(ctx, 60) }()
	require.Eventually(t, func() bool { return f.unit.Received(frame.CmdSetVoltage) >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.ctrl.Start(ctx))

	for {
		q := f.unit.Received(frame.CmdQueryDevice)
		if f.unit.Received(frame.CmdSetVoltage) >= 4 {
			break
		}
		require.Equal(t, queries, q, "poll reached the unit while the command was in flight")
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, <-done)
	assert.Equal(t, uint8(60), f.ctrl.CurrentStatus().Setting)

	// The queued poll runs once the command is done.
	assert.Eventually(t, func() bool {
		return f.unit.Received(frame.CmdQueryDevice) > queries
	}, time.Second, 5*time.Millisecond)
}

func TestPollDrivesLinkState(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.Retries = 1
	cfg.PollInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.pair(t)

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.ErrorIs(t, f.ctrl.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return f.ctrl.CurrentStatus().Reported }, time.Second, 5*time.Millisecond)

	f.unit.SetSilent(true)
	assert.Eventually(t, func() bool {
		st := f.ctrl.CurrentStatus()
		return st.Link == protocol.StateLost && st.Failures >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.ctrl.Health().Healthy())

	f.unit.SetSilent(false)
	assert.Eventually(t, func() bool { return f.ctrl.CurrentStatus().Linked }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.ctrl.CurrentStatus().Failures)

	f.ctrl.Stop()
}

func TestRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = PolicyReject
	cfg.Protocol.ReplyTimeout = 60 * time.Millisecond
	f := newFixture(t, cfg)
	f.pair(t)
	f.unit.SetSilent(true)

	done := make(chan error, 1)
	go func() { done <- f.ctrl.SetSpeed(context.Background(), 30) }()
	require.Eventually(t, f.ctrl.busy, time.Second, time.Millisecond)

	start := time.Now()
	assert.ErrorIs(t, f.ctrl.SetSpeed(context.Background(), 60), ErrBusy)
	assert.ErrorIs(t, f.ctrl.Refresh(context.Background()), ErrBusy)
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	assert.ErrorIs(t, <-done, ErrTimeout)
}

func TestQueuePolicy(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.pair(t)
	f.unit.DropReplies(1)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.ctrl.SetSpeed(context.Background(), 30)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint8(30), f.ctrl.CurrentStatus().Speed)
}

func TestQueuedCallerCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.ReplyTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.pair(t)
	f.unit.SetSilent(true)

	go func() { _ = f.ctrl.SetSpeed(context.Background(), 30) }()
	require.Eventually(t, f.ctrl.busy, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.ctrl.SetSpeed(ctx, 60)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartRestoresPairing(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{}
	store.On("LoadAddress").Return(&storedAddr, nil)
	cfg.Store = store

	f := newFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background()))

	assert.Eventually(t, func() bool {
		st := f.ctrl.CurrentStatus()
		return st.Reported && st.Linked
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, storedAddr, f.ctrl.CurrentStatus().Address)
	store.AssertExpectations(t)
}

func TestStartLoadError(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{}
	store.On("LoadAddress").Return(nil, errors.New("disk"))
	cfg.Store = store

	f := newFixture(t, cfg)
	assert.Error(t, f.ctrl.Start(context.Background()))
}

func TestAutoPair(t *testing.T) {
	cfg := testConfig()
	cfg.AutoPair = true
	store := &stubStore{}
	store.On("LoadAddress").Return(nil, nil)
	store.On("SaveAddress", mock.Anything).Return(nil)
	cfg.Store = store

	f := newFixture(t, cfg)
	require.NoError(t, f.ctrl.Start(context.Background()))

	// First attempts fail while the unit is not in pairing mode.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.ctrl.CurrentStatus().Linked)

	f.unit.OpenPairing(true)
	assert.Eventually(t, func() bool { return f.ctrl.CurrentStatus().Linked }, 3*time.Second, 10*time.Millisecond)
	store.AssertCalled(t, "SaveAddress", f.ctrl.CurrentStatus().Address)
}

func TestUnpair(t *testing.T) {
	cfg := testConfig()
	store := &stubStore{}
	store.On("SaveAddress", mock.Anything).Return(nil)
	store.On("Clear").Return(nil)
	cfg.Store = store

	f := newFixture(t, cfg)
	f.pair(t)
	require.NoError(t, f.ctrl.SetSpeed(context.Background(), 40))

	require.NoError(t, f.ctrl.Unpair(context.Background()))
	st := f.ctrl.CurrentStatus()
	assert.Equal(t, protocol.StateUnpaired, st.Link)
	assert.False(t, st.Reported)
	assert.False(t, st.Address.Valid())
	store.AssertCalled(t, "Clear")

	assert.ErrorIs(t, f.ctrl.SetSpeed(context.Background(), 40), ErrNotPaired)
}

func TestOnStatus(t *testing.T) {
	f := newFixture(t, testConfig())

	var mu sync.Mutex
	var seen []Status
	f.ctrl.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	f.pair(t)
	require.NoError(t, f.ctrl.SetSpeed(context.Background(), 55))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, uint8(55), last.Speed)
	assert.Equal(t, uint8(55), last.Setting)

	var sawPairing bool
	for _, s := range seen {
		if s.Link == protocol.StatePairing {
			sawPairing = true
		}
	}
	assert.True(t, sawPairing)
}

func TestStopCancelsInFlightExchange(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.ReplyTimeout = time.Second
	cfg.Protocol.Retries = 5
	cfg.PollInterval = 10 * time.Millisecond

	f := newFixture(t, cfg)
	f.pair(t)
	f.unit.SetSilent(true)
	require.NoError(t, f.ctrl.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	f.ctrl.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, protocol.StateLinked, f.ctrl.CurrentStatus().Link)
}
