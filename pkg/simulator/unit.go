package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// ErrInvalidConfig is returned by New for an unusable Config.
var ErrInvalidConfig = errors.New("invalid simulator configuration")

// PresetVoltages are the airflow percentages of the presets Low..Max.
var PresetVoltages = [frame.PresetCount]uint8{25, 50, 75, 100}

// Config configures a simulated unit.
type Config struct {
	// NetworkID is the network the unit runs.
	NetworkID uint32

	// UnitID is the main unit device id.
	UnitID uint8

	Channel   uint16
	Band      radio.Band
	Integrity frame.Integrity

	// AutoVoltage is the airflow reported in automatic mode.
	AutoVoltage uint8

	// MinuteLength advances the timer by one minute per interval.
	// Zero leaves the timer to AdvanceMinutes.
	MinuteLength time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a unit on channel 118 at 868 MHz.
func DefaultConfig() Config {
	return Config{
		NetworkID:   0x3A7C19E5,
		UnitID:      0x9C,
		Channel:     118,
		Band:        radio.Band868,
		Integrity:   frame.IntegrityHardware,
		AutoVoltage: 40,
	}
}

type setting struct {
	preset  frame.Preset
	voltage uint8
}

// Unit is a simulated main unit.
type Unit struct {
	config Config
	codec  frame.Codec
	self   frame.Endpoint
	logger *slog.Logger

	linkRadio *radio.Station
	netRadio  *radio.Station

	mu          sync.Mutex
	pairing     bool
	pending     map[frame.Endpoint]bool
	remotes     []frame.Endpoint
	standing    setting
	timer       setting
	remaining   int
	dropReplies int
	silent      bool
	received    map[frame.Command]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New attaches a unit to the medium. Call Start to begin answering.
func New(air *radio.Air, config Config) (*Unit, error) {
	if config.NetworkID == 0 || config.NetworkID == frame.LinkNetworkID {
		return nil, fmt.Errorf("%w: network id 0x%08X", ErrInvalidConfig, config.NetworkID)
	}
	if config.UnitID == 0 {
		return nil, fmt.Errorf("%w: unit id 0", ErrInvalidConfig)
	}
	if config.AutoVoltage > 100 {
		return nil, fmt.Errorf("%w: auto voltage %d", ErrInvalidConfig, config.AutoVoltage)
	}

	u := &Unit{
		config:    config,
		codec:     frame.Codec{Integrity: config.Integrity},
		self:      frame.Endpoint{Type: frame.TypeMainUnit, ID: config.UnitID},
		logger:    config.Logger,
		linkRadio: air.Open(),
		netRadio:  air.Open(),
		pending:   make(map[frame.Endpoint]bool),
		standing:  setting{preset: frame.PresetAuto, voltage: config.AutoVoltage},
		received:  make(map[frame.Command]int),
	}

	if err := u.linkRadio.Configure(u.radioConfig(frame.LinkNetworkID)); err != nil {
		return nil, err
	}
	if err := u.netRadio.Configure(u.radioConfig(config.NetworkID)); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Unit) radioConfig(address uint32) radio.Config {
	return radio.Config{
		Channel:      u.config.Channel,
		Band:         u.config.Band,
		Address:      address,
		PayloadWidth: u.codec.Size(),
		TxPower:      radio.Power10,
		Repeats:      1,
	}
}

// Start runs the unit until ctx is cancelled or Close is called.
func (u *Unit) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()

	u.wg.Add(2)
	go u.listen(ctx, u.linkRadio)
	go u.listen(ctx, u.netRadio)

	if u.config.MinuteLength > 0 {
		u.wg.Add(1)
		go u.clock(ctx)
	}
}

// Close stops the unit and detaches it from the medium.
func (u *Unit) Close() error {
	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	u.wg.Wait()
	u.linkRadio.Close()
	return u.netRadio.Close()
}

// Endpoint returns the unit's own endpoint.
func (u *Unit) Endpoint() frame.Endpoint {
	return u.self
}

// OpenPairing enables or disables answering join broadcasts, like holding
// the pairing button on a real unit.
func (u *Unit) OpenPairing(open bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pairing = open
}

// Remotes returns the devices that completed the join sequence.
func (u *Unit) Remotes() []frame.Endpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]frame.Endpoint(nil), u.remotes...)
}

// Settings returns what the unit would report now.
func (u *Unit) Settings() frame.Settings {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reportLocked()
}

// AdvanceMinutes runs the timer forward.
func (u *Unit) AdvanceMinutes(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tickLocked(n)
}

// DropReplies suppresses the next n replies. The frames are still acted on.
func (u *Unit) DropReplies(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dropReplies = n
}

// SetSilent makes the unit ignore everything it hears.
func (u *Unit) SetSilent(silent bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.silent = silent
}

// Received returns how many frames with the given command the unit acted on.
func (u *Unit) Received(cmd frame.Command) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.received[cmd]
}

func (u *Unit) listen(ctx context.Context, st *radio.Station) {
	defer u.wg.Done()
	for {
		data, err := st.Receive(ctx, 100*time.Millisecond)
		if err != nil {
			return
		}
		if data == nil {
			continue
		}
		f, err := u.codec.Decode(data)
		if err != nil {
			u.debugLog("simulator dropped malformed frame", "error", err)
			continue
		}
		if reply := u.handle(f); reply != nil {
			if err := st.Transmit(u.codec.Encode(reply)); err != nil {
				u.debugLog("simulator transmit failed", "error", err)
			}
		}
	}
}

func (u *Unit) clock(ctx context.Context) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.config.MinuteLength)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.AdvanceMinutes(1)
		}
	}
}

// handle applies a frame and returns the reply to send, if any.
func (u *Unit) handle(f *frame.Frame) *frame.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.silent {
		return nil
	}

	reply := u.applyLocked(f)
	if reply == nil {
		return nil
	}
	u.received[f.Command]++
	if u.dropReplies > 0 {
		u.dropReplies--
		u.debugLog("simulator dropped reply", "command", f.Command.String())
		return nil
	}
	return reply
}

func (u *Unit) applyLocked(f *frame.Frame) *frame.Frame {
	switch f.Command {
	case frame.CmdJoinAck:
		if !u.pairing || f.Dst.Type != frame.TypeDiscovery {
			return nil
		}
		return frame.NewJoinOpen(u.self, u.config.NetworkID)

	case frame.CmdJoinRequest:
		id, err := f.NetworkID()
		if err != nil || id != u.config.NetworkID || f.Dst != u.self {
			return nil
		}
		u.pending[f.Src] = true
		return frame.NewLinkSuccess(u.self, f.Src)

	case frame.CmdLinkSuccess:
		if f.Dst != u.self || !u.pending[f.Src] {
			return nil
		}
		delete(u.pending, f.Src)
		u.addRemoteLocked(f.Src)
		return frame.NewQueryNetwork(u.self)
	}

	if !u.addressedLocked(f.Dst) {
		return nil
	}

	switch f.Command {
	case frame.CmdSetVoltage:
		if len(f.Params) < 1 {
			return nil
		}
		v := f.Params[0]
		if v > 100 {
			v = 100
		}
		u.standing.voltage = v
		u.remaining = 0
	case frame.CmdSetSpeed:
		if len(f.Params) < 1 || frame.Preset(f.Params[0]) > frame.PresetMax {
			return nil
		}
		u.standing = u.settingFor(frame.Preset(f.Params[0]))
		u.remaining = 0
	case frame.CmdSetTimer:
		if len(f.Params) < 2 || frame.Preset(f.Params[0]) > frame.PresetMax {
			return nil
		}
		preset, minutes := frame.Preset(f.Params[0]), int(f.Params[1])
		if minutes == 0 {
			u.standing = u.settingFor(preset)
			u.remaining = 0
		} else {
			u.timer = u.settingFor(preset)
			u.remaining = minutes
		}
	case frame.CmdQueryDevice:
	default:
		return nil
	}

	return frame.NewFanSettings(u.self, u.replyTo(f.Src), u.reportLocked())
}

// addressedLocked accepts frames for the main unit type sent to our id or
// broadcast.
func (u *Unit) addressedLocked(dst frame.Endpoint) bool {
	return dst.Type == frame.TypeMainUnit && (dst.ID == 0 || dst.ID == u.self.ID)
}

// replyTo answers setting commands sent under the CO2 sensor type to the
// remote with the same id.
func (u *Unit) replyTo(src frame.Endpoint) frame.Endpoint {
	if src.Type == frame.TypeCO2Sensor {
		return frame.Endpoint{Type: frame.TypeRemoteControl, ID: src.ID}
	}
	return src
}

func (u *Unit) addRemoteLocked(e frame.Endpoint) {
	for _, r := range u.remotes {
		if r == e {
			return
		}
	}
	u.remotes = append(u.remotes, e)
}

func (u *Unit) settingFor(p frame.Preset) setting {
	if p == frame.PresetAuto {
		return setting{preset: p, voltage: u.config.AutoVoltage}
	}
	return setting{preset: p, voltage: PresetVoltages[p-1]}
}

func (u *Unit) reportLocked() frame.Settings {
	if u.remaining > 0 {
		return frame.Settings{Preset: u.timer.preset, Voltage: u.timer.voltage, Timer: uint8(u.remaining)}
	}
	return frame.Settings{Preset: u.standing.preset, Voltage: u.standing.voltage}
}

func (u *Unit) tickLocked(n int) {
	if u.remaining == 0 {
		return
	}
	u.remaining -= n
	if u.remaining <= 0 {
		u.remaining = 0
		u.debugLog("simulator timer expired")
	}
}

func (u *Unit) debugLog(msg string, args ...any) {
	if u.logger != nil {
		u.logger.Debug(msg, args...)
	}
}
