package frame

import (
	"encoding/binary"
	"fmt"
)

// Layout constants.
const (
	// BodySize is the size of the on-air frame body.
	BodySize = 16

	// MaxParams is the number of parameter bytes a frame can carry.
	MaxParams = 9

	// DefaultTTL is the time to live used for every frame we originate.
	DefaultTTL = 0xFA

	headerSize = 7
)

// Network identifiers.
const (
	// LinkNetworkID is the address used while pairing.
	LinkNetworkID uint32 = 0xA55A5AA5

	// IdleNetworkID is the listen address before any pairing has happened.
	IdleNetworkID uint32 = 0x89816EA9
)

// DeviceType identifies the class of a device on the RF network.
type DeviceType uint8

const (
	TypeBroadcast     DeviceType = 0x00
	TypeMainUnit      DeviceType = 0x01
	TypeRemoteControl DeviceType = 0x03
	TypeDiscovery     DeviceType = 0x04
	TypeCO2Sensor     DeviceType = 0x18
)

// String returns the device type name.
func (t DeviceType) String() string {
	switch t {
	case TypeBroadcast:
		return "BROADCAST"
	case TypeMainUnit:
		return "MAIN_UNIT"
	case TypeRemoteControl:
		return "REMOTE_CONTROL"
	case TypeDiscovery:
		return "DISCOVERY"
	case TypeCO2Sensor:
		return "CO2_SENSOR"
	default:
		return fmt.Sprintf("TYPE_%02X", uint8(t))
	}
}

// Command is a frame command code.
type Command uint8

const (
	CmdSetVoltage      Command = 0x01
	CmdSetSpeed        Command = 0x02
	CmdSetTimer        Command = 0x03
	CmdJoinRequest     Command = 0x04
	CmdSetSpeedReply   Command = 0x05
	CmdJoinOpen        Command = 0x06
	CmdFanSettings     Command = 0x07
	CmdLinkSuccess     Command = 0x0B
	CmdJoinAck         Command = 0x0C
	CmdQueryNetwork    Command = 0x0D
	CmdQueryDevice     Command = 0x10
	CmdSetVoltageReply Command = 0x1D
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdSetVoltage:
		return "SET_VOLTAGE"
	case CmdSetSpeed:
		return "SET_SPEED"
	case CmdSetTimer:
		return "SET_TIMER"
	case CmdJoinRequest:
		return "JOIN_REQUEST"
	case CmdSetSpeedReply:
		return "SET_SPEED_REPLY"
	case CmdJoinOpen:
		return "JOIN_OPEN"
	case CmdFanSettings:
		return "FAN_SETTINGS"
	case CmdLinkSuccess:
		return "LINK_SUCCESS"
	case CmdJoinAck:
		return "JOIN_ACK"
	case CmdQueryNetwork:
		return "QUERY_NETWORK"
	case CmdQueryDevice:
		return "QUERY_DEVICE"
	case CmdSetVoltageReply:
		return "SET_VOLTAGE_REPLY"
	default:
		return fmt.Sprintf("CMD_%02X", uint8(c))
	}
}

// Preset is a fan speed preset.
type Preset uint8

const (
	PresetAuto   Preset = 0
	PresetLow    Preset = 1
	PresetMedium Preset = 2
	PresetHigh   Preset = 3
	PresetMax    Preset = 4
)

// PresetCount is the number of non-auto presets.
const PresetCount = 4

// String returns the preset name.
func (p Preset) String() string {
	switch p {
	case PresetAuto:
		return "AUTO"
	case PresetLow:
		return "LOW"
	case PresetMedium:
		return "MEDIUM"
	case PresetHigh:
		return "HIGH"
	case PresetMax:
		return "MAX"
	default:
		return "UNKNOWN"
	}
}

// Endpoint addresses one device on the network.
type Endpoint struct {
	Type DeviceType
	ID   uint8
}

// String returns the endpoint as type/id.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s/0x%02X", e.Type, e.ID)
}

// Frame is one decoded RF frame.
type Frame struct {
	Dst     Endpoint
	Src     Endpoint
	TTL     uint8
	Command Command

	// Params holds the parameter bytes. nil is the canonical empty list;
	// an empty slice encodes the same but decodes as nil.
	Params []byte
}

// Validate checks the structural invariants of the frame.
func (f *Frame) Validate() error {
	if len(f.Params) > MaxParams {
		return fmt.Errorf("%w: %d parameter bytes", ErrMalformed, len(f.Params))
	}
	return nil
}

// IsFor reports whether the frame is addressed to the given endpoint.
func (f *Frame) IsFor(e Endpoint) bool {
	return f.Dst == e
}

// String returns a compact description of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("%s %s -> %s params=% X", f.Command, f.Src, f.Dst, f.Params)
}

// NetworkID returns the network id carried by join frames.
func (f *Frame) NetworkID() (uint32, error) {
	if len(f.Params) < 4 {
		return 0, fmt.Errorf("%w: %s carries no network id", ErrMalformed, f.Command)
	}
	return binary.LittleEndian.Uint32(f.Params[:4]), nil
}

// Settings is the payload of a FanSettings frame.
type Settings struct {
	Preset  Preset
	Voltage uint8
	Timer   uint8
}

// FanSettings decodes the payload of a FanSettings frame.
func (f *Frame) FanSettings() (Settings, error) {
	if f.Command != CmdFanSettings || len(f.Params) < 3 {
		return Settings{}, fmt.Errorf("%w: not a fan settings frame", ErrMalformed)
	}
	return Settings{
		Preset:  Preset(f.Params[0]),
		Voltage: f.Params[1],
		Timer:   f.Params[2],
	}, nil
}

func newFrame(dst, src Endpoint, cmd Command, params ...byte) *Frame {
	if len(params) == 0 {
		params = nil
	}
	return &Frame{Dst: dst, Src: src, TTL: DefaultTTL, Command: cmd, Params: params}
}

func networkParams(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}

// NewJoinAck builds the discovery broadcast that announces a remote ready to link.
func NewJoinAck(self Endpoint) *Frame {
	return newFrame(Endpoint{Type: TypeDiscovery}, self, CmdJoinAck, networkParams(LinkNetworkID)...)
}

// NewJoinOpen builds the main unit's answer to a discovery broadcast.
func NewJoinOpen(mainUnit Endpoint, networkID uint32) *Frame {
	return newFrame(Endpoint{Type: TypeBroadcast}, mainUnit, CmdJoinOpen, networkParams(networkID)...)
}

// NewJoinRequest asks the main unit to join its network.
func NewJoinRequest(self, mainUnit Endpoint, networkID uint32) *Frame {
	return newFrame(mainUnit, self, CmdJoinRequest, networkParams(networkID)...)
}

// NewLinkSuccess confirms a link between two devices.
func NewLinkSuccess(self, peer Endpoint) *Frame {
	return newFrame(peer, self, CmdLinkSuccess)
}

// NewQueryNetwork is the main unit's closing frame of a join.
func NewQueryNetwork(mainUnit Endpoint) *Frame {
	return newFrame(mainUnit, mainUnit, CmdQueryNetwork)
}

// NewQueryDevice requests the current fan settings.
func NewQueryDevice(self, mainUnit Endpoint) *Frame {
	return newFrame(mainUnit, self, CmdQueryDevice)
}

// NewSetVoltage sets the airflow percentage.
func NewSetVoltage(self, mainUnit Endpoint, percent uint8) *Frame {
	return newFrame(Endpoint{Type: mainUnit.Type}, self, CmdSetVoltage, percent)
}

// NewSetSpeed selects a preset. The unit only accepts it from a CO2 sensor type.
func NewSetSpeed(self, mainUnit Endpoint, preset Preset) *Frame {
	src := Endpoint{Type: TypeCO2Sensor, ID: self.ID}
	return newFrame(Endpoint{Type: mainUnit.Type}, src, CmdSetSpeed, byte(preset))
}

// NewSetTimer selects a preset for the given number of minutes.
// Preset auto with zero minutes returns the unit to automatic mode. Both
// forms are sent from the paired remote's endpoint.
func NewSetTimer(self, mainUnit Endpoint, preset Preset, minutes uint8) *Frame {
	return newFrame(Endpoint{Type: mainUnit.Type}, self, CmdSetTimer, byte(preset), minutes)
}

// NewSetSpeedReply acknowledges a confirmed setting.
func NewSetSpeedReply(self, mainUnit Endpoint) *Frame {
	return newFrame(mainUnit, self, CmdSetSpeedReply, 0x54, 0x03, 0x20)
}

// NewFanSettings builds the unit's settings report.
func NewFanSettings(mainUnit, dst Endpoint, s Settings) *Frame {
	return newFrame(dst, mainUnit, CmdFanSettings, byte(s.Preset), s.Voltage, s.Timer)
}
