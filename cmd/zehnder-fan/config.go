package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
	"github.com/zehnder-rf/zehnder-go/pkg/frame"
	"github.com/zehnder-rf/zehnder-go/pkg/radio"
	"github.com/zehnder-rf/zehnder-go/pkg/radio/nrf905"
)

// Backend names.
const (
	BackendSim    = "sim"
	BackendNRF905 = "nrf905"
	BackendSerial = "serial"
)

var errUsage = errors.New("invalid options")

// Options holds the resolved command configuration.
type Options struct {
	ConfigFile string
	LogLevel   string
	Version    bool

	Backend    string
	SerialPort string
	SerialBaud int
	SPIPath    string
	Pins       nrf905.Pins
	TraceRadio bool

	Channel      uint
	Band         uint
	Integrity    string
	Repeats      int
	ReplyTimeout time.Duration
	Retries      int

	Policy       string
	Poll         time.Duration
	AutoPair     bool
	StartupDelay time.Duration

	StateDir    string
	Reset       bool
	Interactive bool
	Capture     string

	History          string
	HistoryRetention time.Duration

	HomeKit     bool
	HomeKitPin  string
	HomeKitName string
	HomeKitAddr string

	// SimMinute is the length of a simulated fan minute.
	SimMinute time.Duration
}

func defaultOptions() Options {
	def := controller.DefaultConfig()
	return Options{
		LogLevel:     "info",
		Backend:      BackendSim,
		SerialPort:   "/dev/ttyUSB0",
		SerialBaud:   115200,
		SPIPath:      "/dev/spidev0.0",
		Pins:         nrf905.DefaultPins,
		Channel:      uint(def.Protocol.Channel),
		Band:         uint(def.Protocol.Band),
		Integrity:    def.Protocol.Integrity.String(),
		Repeats:      def.Protocol.Repeats,
		ReplyTimeout: def.Protocol.ReplyTimeout,
		Retries:      def.Protocol.Retries,
		Policy:       "queue",
		Poll:         def.PollInterval,
		StartupDelay: def.StartupDelay,
		HomeKitPin:   "00102003",
		HomeKitName:  "Ventilation",
		SimMinute:    time.Minute,
	}
}

// bindFlags registers the command flags on fs, writing into o.
func bindFlags(fs *flag.FlagSet, o *Options) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "YAML configuration file")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&o.Version, "version", o.Version, "Print version and exit")

	fs.StringVar(&o.Backend, "backend", o.Backend, "Radio backend: sim, nrf905, serial")
	fs.StringVar(&o.SerialPort, "serial-port", o.SerialPort, "Serial bridge port")
	fs.IntVar(&o.SerialBaud, "serial-baud", o.SerialBaud, "Serial bridge baud rate")
	fs.StringVar(&o.SPIPath, "spi", o.SPIPath, "nRF905 SPI port")
	fs.BoolVar(&o.TraceRadio, "trace-radio", o.TraceRadio, "Log every transceiver call at debug level")

	fs.UintVar(&o.Channel, "channel", o.Channel, "RF channel (0-511)")
	fs.UintVar(&o.Band, "band", o.Band, "Frequency band in MHz: 433, 868, 915")
	fs.StringVar(&o.Integrity, "integrity", o.Integrity, "Frame integrity: hardware, crc16")
	fs.IntVar(&o.Repeats, "repeats", o.Repeats, "Transmissions of each frame on air")
	fs.DurationVar(&o.ReplyTimeout, "reply-timeout", o.ReplyTimeout, "Wait for a reply per attempt")
	fs.IntVar(&o.Retries, "retries", o.Retries, "Attempts per exchange")

	fs.StringVar(&o.Policy, "policy", o.Policy, "Requests during an exchange: queue, reject")
	fs.DurationVar(&o.Poll, "poll", o.Poll, "Status poll interval")
	fs.BoolVar(&o.AutoPair, "auto-pair", o.AutoPair, "Pair on start when no pairing is stored")
	fs.DurationVar(&o.StartupDelay, "startup-delay", o.StartupDelay, "Delay before the first poll")

	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "Directory for persistent state")
	fs.BoolVar(&o.Reset, "reset", o.Reset, "Clear the stored pairing before starting")
	fs.BoolVar(&o.Interactive, "interactive", o.Interactive, "Enable interactive command mode")
	fs.StringVar(&o.Capture, "capture", o.Capture, "Write a protocol capture to this .rflog file")

	fs.StringVar(&o.History, "history", o.History, "Record status history to this SQLite file")
	fs.DurationVar(&o.HistoryRetention, "history-retention", o.HistoryRetention, "Delete history older than this (0 keeps all)")

	fs.BoolVar(&o.HomeKit, "homekit", o.HomeKit, "Expose the fan as a HomeKit accessory")
	fs.StringVar(&o.HomeKitPin, "homekit-pin", o.HomeKitPin, "HomeKit setup code (8 digits)")
	fs.StringVar(&o.HomeKitName, "homekit-name", o.HomeKitName, "HomeKit accessory name")
	fs.StringVar(&o.HomeKitAddr, "homekit-addr", o.HomeKitAddr, "HomeKit listen address")

	fs.DurationVar(&o.SimMinute, "sim-minute", o.SimMinute, "Length of a simulated minute (sim backend)")
}

// FileConfig is the YAML configuration file.
type FileConfig struct {
	LogLevel string `yaml:"log_level"`

	Backend string `yaml:"backend"`
	Serial  struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	NRF905 struct {
		SPI  string     `yaml:"spi"`
		Pins *PinConfig `yaml:"pins"`
	} `yaml:"nrf905"`

	Radio struct {
		Channel   *uint  `yaml:"channel"`
		Band      uint   `yaml:"band"`
		Integrity string `yaml:"integrity"`
		Repeats   int    `yaml:"repeats"`
	} `yaml:"radio"`

	Protocol struct {
		ReplyTimeout string `yaml:"reply_timeout"`
		Retries      int    `yaml:"retries"`
	} `yaml:"protocol"`

	Controller struct {
		Policy       string `yaml:"policy"`
		PollInterval string `yaml:"poll_interval"`
		AutoPair     *bool  `yaml:"auto_pair"`
		StartupDelay string `yaml:"startup_delay"`
	} `yaml:"controller"`

	StateDir string `yaml:"state_dir"`
	Capture  string `yaml:"capture"`

	History struct {
		Path      string `yaml:"path"`
		Retention string `yaml:"retention"`
	} `yaml:"history"`

	HomeKit struct {
		Enabled *bool  `yaml:"enabled"`
		Pin     string `yaml:"pin"`
		Name    string `yaml:"name"`
		Addr    string `yaml:"addr"`
	} `yaml:"homekit"`
}

// PinConfig overrides nRF905 GPIO lines. Empty fields keep the default.
type PinConfig struct {
	PowerUp       string `yaml:"power_up"`
	ChipEnable    string `yaml:"chip_enable"`
	TxEnable      string `yaml:"tx_enable"`
	CarrierDetect string `yaml:"carrier_detect"`
	AddressMatch  string `yaml:"address_match"`
	DataReady     string `yaml:"data_ready"`
}

// loadFileConfig reads and decodes a YAML configuration file. Unknown keys
// are rejected.
func loadFileConfig(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc FileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// apply copies the values set in the file onto o.
func (fc *FileConfig) apply(o *Options) error {
	setString(&o.LogLevel, fc.LogLevel)
	setString(&o.Backend, fc.Backend)
	setString(&o.SerialPort, fc.Serial.Port)
	setInt(&o.SerialBaud, fc.Serial.Baud)
	setString(&o.SPIPath, fc.NRF905.SPI)
	if p := fc.NRF905.Pins; p != nil {
		setString(&o.Pins.PowerUp, p.PowerUp)
		setString(&o.Pins.ChipEnable, p.ChipEnable)
		setString(&o.Pins.TxEnable, p.TxEnable)
		setString(&o.Pins.CarrierDetect, p.CarrierDetect)
		setString(&o.Pins.AddressMatch, p.AddressMatch)
		setString(&o.Pins.DataReady, p.DataReady)
	}

	if fc.Radio.Channel != nil {
		o.Channel = *fc.Radio.Channel
	}
	if fc.Radio.Band != 0 {
		o.Band = fc.Radio.Band
	}
	setString(&o.Integrity, fc.Radio.Integrity)
	setInt(&o.Repeats, fc.Radio.Repeats)
	setInt(&o.Retries, fc.Protocol.Retries)
	setString(&o.Policy, fc.Controller.Policy)
	if fc.Controller.AutoPair != nil {
		o.AutoPair = *fc.Controller.AutoPair
	}

	setString(&o.StateDir, fc.StateDir)
	setString(&o.Capture, fc.Capture)
	setString(&o.History, fc.History.Path)

	if fc.HomeKit.Enabled != nil {
		o.HomeKit = *fc.HomeKit.Enabled
	}
	setString(&o.HomeKitPin, fc.HomeKit.Pin)
	setString(&o.HomeKitName, fc.HomeKit.Name)
	setString(&o.HomeKitAddr, fc.HomeKit.Addr)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"protocol.reply_timeout", fc.Protocol.ReplyTimeout, &o.ReplyTimeout},
		{"controller.poll_interval", fc.Controller.PollInterval, &o.Poll},
		{"controller.startup_delay", fc.Controller.StartupDelay, &o.StartupDelay},
		{"history.retention", fc.History.Retention, &o.HistoryRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errUsage, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// parseOptions resolves defaults, then the config file, then the flags given
// on the command line.
func parseOptions(name string, args []string, output io.Writer) (Options, error) {
	opts := defaultOptions()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	bindFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	if opts.ConfigFile == "" {
		return opts, nil
	}

	fc, err := loadFileConfig(opts.ConfigFile)
	if err != nil {
		return Options{}, err
	}
	merged := defaultOptions()
	if err := fc.apply(&merged); err != nil {
		return Options{}, err
	}

	// Flags win over the file.
	override := flag.NewFlagSet(name, flag.ContinueOnError)
	bindFlags(override, &merged)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if err := override.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
			setErr = err
		}
	})
	return merged, setErr
}

// logLevel parses the -log-level value.
func logLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", errUsage, s)
	}
	return level, nil
}

// controllerConfig builds and validates the controller configuration.
func (o *Options) controllerConfig(logger *slog.Logger) (controller.Config, error) {
	switch o.Backend {
	case BackendSim, BackendNRF905, BackendSerial:
	default:
		return controller.Config{}, fmt.Errorf("%w: unknown backend %q", errUsage, o.Backend)
	}

	integrity, err := frame.ParseIntegrity(strings.ToLower(o.Integrity))
	if err != nil {
		return controller.Config{}, fmt.Errorf("%w: %w", errUsage, err)
	}
	policy, err := controller.ParsePolicy(o.Policy)
	if err != nil {
		return controller.Config{}, err
	}
	if o.Channel > radio.MaxChannel {
		return controller.Config{}, fmt.Errorf("%w: channel %d out of range 0..%d", errUsage, o.Channel, radio.MaxChannel)
	}

	cfg := controller.DefaultConfig()
	cfg.Protocol.Channel = uint16(o.Channel)
	cfg.Protocol.Band = radio.Band(o.Band)
	cfg.Protocol.Integrity = integrity
	cfg.Protocol.Repeats = o.Repeats
	cfg.Protocol.ReplyTimeout = o.ReplyTimeout
	cfg.Protocol.Retries = o.Retries
	cfg.Protocol.Logger = logger
	cfg.PollInterval = o.Poll
	cfg.Policy = policy
	cfg.AutoPair = o.AutoPair
	cfg.StartupDelay = o.StartupDelay
	cfg.Logger = logger

	if err := cfg.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cfg, nil
}
