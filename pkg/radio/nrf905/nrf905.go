// Package nrf905 drives a Nordic nRF905 transceiver over SPI and GPIO using
// periph.io.
//
// The chip is wired with the usual six control lines: PWR_UP, TRX_CE, TX_EN
// as outputs and CD (carrier detect), AM (address match) and DR (data ready)
// as inputs. The driver keeps the chip in receive mode between transmissions.
package nrf905

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/zehnder-rf/zehnder-go/pkg/radio"
)

// SPI instructions.
const (
	cmdWriteConfig    = 0x00
	cmdReadConfig     = 0x10
	cmdWriteTxPayload = 0x20
	cmdWriteTxAddress = 0x22
	cmdReadRxPayload  = 0x24
)

const (
	configSize  = 10
	addressSize = 4

	// Config register byte 9: 16 bit CRC, CRC enabled, 16 MHz crystal.
	crcMode16 = 1 << 7
	crcEnable = 1 << 6
	xof16MHz  = 0b011 << 3
	hfreqPLL  = 1 << 1
)

// Timing from the datasheet.
const (
	powerUpDelay  = 3 * time.Millisecond
	ceSettle      = 650 * time.Microsecond
	cePulse       = 10 * time.Microsecond
	rxPollSlice   = 50 * time.Millisecond
	defaultTxWait = 100 * time.Millisecond
)

// Pins names the GPIO lines in gpioreg notation (e.g. "GPIO25").
type Pins struct {
	PowerUp       string
	ChipEnable    string
	TxEnable      string
	CarrierDetect string
	AddressMatch  string
	DataReady     string
}

// DefaultPins is the wiring of the common Raspberry Pi nRF905 hats.
var DefaultPins = Pins{
	PowerUp:       "GPIO24",
	ChipEnable:    "GPIO25",
	TxEnable:      "GPIO23",
	CarrierDetect: "GPIO22",
	AddressMatch:  "GPIO27",
	DataReady:     "GPIO17",
}

// Options configures the hardware connection.
type Options struct {
	// SPIPath is the SPI port name. Defaults to "/dev/spidev0.0".
	SPIPath string

	// SPIClock defaults to 1 MHz. The chip accepts up to 10 MHz.
	SPIClock physic.Frequency

	// Pins defaults to DefaultPins.
	Pins Pins

	// TxTimeout bounds the wait for DR after each transmitted frame.
	TxTimeout time.Duration
}

// pin is the subset of gpio.PinIO the driver uses.
type pin interface {
	Out(l gpio.Level) error
	Read() gpio.Level
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
}

type pinSet struct {
	pwr, ce, txen pin
	cd, am, dr    pin
}

// Device is an nRF905 transceiver.
type Device struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   spi.PortCloser
	pins   pinSet
	cfg    radio.Config
	ready  bool
	closed bool

	txTimeout time.Duration
	sleep     func(time.Duration)
}

var _ radio.Transceiver = (*Device)(nil)

// Open initializes periph.io, opens the SPI port and claims the GPIO lines.
func Open(opts Options) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}

	if opts.SPIPath == "" {
		opts.SPIPath = "/dev/spidev0.0"
	}
	if opts.SPIClock == 0 {
		opts.SPIClock = physic.MegaHertz
	}
	if opts.Pins == (Pins{}) {
		opts.Pins = DefaultPins
	}

	p, err := spireg.Open(opts.SPIPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port: %w", err)
	}
	conn, err := p.Connect(opts.SPIClock, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create SPI connection: %w", err)
	}

	var pins pinSet
	for _, l := range []struct {
		name string
		dst  *pin
	}{
		{opts.Pins.PowerUp, &pins.pwr},
		{opts.Pins.ChipEnable, &pins.ce},
		{opts.Pins.TxEnable, &pins.txen},
		{opts.Pins.CarrierDetect, &pins.cd},
		{opts.Pins.AddressMatch, &pins.am},
		{opts.Pins.DataReady, &pins.dr},
	} {
		io := gpioreg.ByName(l.name)
		if io == nil {
			p.Close()
			return nil, fmt.Errorf("failed to open pin %s", l.name)
		}
		*l.dst = io
	}

	dev, err := newDevice(conn, pins, opts.TxTimeout)
	if err != nil {
		p.Close()
		return nil, err
	}
	dev.port = p
	return dev, nil
}

// newDevice is the internal constructor used by tests.
func newDevice(conn spi.Conn, pins pinSet, txTimeout time.Duration) (*Device, error) {
	if txTimeout <= 0 {
		txTimeout = defaultTxWait
	}
	d := &Device{conn: conn, pins: pins, txTimeout: txTimeout, sleep: time.Sleep}

	for _, in := range []pin{pins.cd, pins.am} {
		if err := in.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, radio.Wrap("init", err)
		}
	}
	if err := pins.dr.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, radio.Wrap("init", err)
	}
	if err := d.standby(); err != nil {
		return nil, radio.Wrap("init", err)
	}
	if err := pins.pwr.Out(gpio.High); err != nil {
		return nil, radio.Wrap("init", err)
	}
	d.sleep(powerUpDelay)
	return d, nil
}

// String describes the current tuning.
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return "nRF905(" + d.cfg.String() + ")"
}

// Configure writes the RF configuration register and TX address, verifies
// the register by reading it back, and enters receive mode.
func (d *Device) Configure(cfg radio.Config) error {
	if err := cfg.Validate(); err != nil {
		return radio.Wrap("configure", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}

	if err := d.standby(); err != nil {
		return radio.Wrap("configure", err)
	}

	reg := encodeConfig(cfg)
	if err := d.write(cmdWriteConfig, reg[:]); err != nil {
		return radio.Wrap("configure", err)
	}
	readback, err := d.read(cmdReadConfig, configSize)
	if err != nil {
		return radio.Wrap("configure", err)
	}
	if string(readback) != string(reg[:]) {
		return &radio.RadioError{Op: "configure", Err: fmt.Errorf("config readback % X, wrote % X", readback, reg)}
	}
	addr := encodeAddress(cfg.Address)
	if err := d.write(cmdWriteTxAddress, addr[:]); err != nil {
		return radio.Wrap("configure", err)
	}

	d.cfg = cfg
	d.ready = true
	return radio.Wrap("configure", d.receiveMode())
}

// Transmit loads the payload and sends it cfg.Repeats times.
func (d *Device) Transmit(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	if !d.ready {
		return &radio.RadioError{Op: "transmit", Err: errors.New("not configured")}
	}
	if len(data) != d.cfg.PayloadWidth {
		return &radio.RadioError{Op: "transmit", Err: fmt.Errorf("payload length %d, want %d", len(data), d.cfg.PayloadWidth)}
	}

	if err := d.standby(); err != nil {
		return radio.Wrap("transmit", err)
	}
	if err := d.write(cmdWriteTxPayload, data); err != nil {
		return radio.Wrap("transmit", err)
	}
	if err := d.pins.txen.Out(gpio.High); err != nil {
		return radio.Wrap("transmit", err)
	}

	// The payload register survives transmission, so each repeat is a
	// fresh CE pulse.
	for i := 0; i < d.cfg.Repeats; i++ {
		if err := d.pins.ce.Out(gpio.High); err != nil {
			return radio.Wrap("transmit", err)
		}
		d.sleep(cePulse)
		if err := d.pins.ce.Out(gpio.Low); err != nil {
			return radio.Wrap("transmit", err)
		}
		if !d.waitDataReady(d.txTimeout) {
			_ = d.receiveMode()
			return &radio.RadioError{Op: "transmit", Err: fmt.Errorf("no data ready after frame %d", i+1)}
		}
	}

	return radio.Wrap("transmit", d.receiveMode())
}

// Receive waits for DR and reads the payload.
func (d *Device) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := d.poll()
		if err != nil || data != nil {
			return data, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		d.pins.dr.WaitForEdge(min(remaining, rxPollSlice))
	}
}

func (d *Device) poll() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, radio.ErrClosed
	}
	if !d.ready {
		return nil, &radio.RadioError{Op: "receive", Err: errors.New("not configured")}
	}
	if d.pins.dr.Read() != gpio.High {
		return nil, nil
	}
	data, err := d.read(cmdReadRxPayload, d.cfg.PayloadWidth)
	if err != nil {
		return nil, radio.Wrap("receive", err)
	}
	return data, nil
}

// AirwayBusy reports the carrier detect line.
func (d *Device) AirwayBusy() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, radio.ErrClosed
	}
	return d.pins.cd.Read() == gpio.High, nil
}

// Close powers the chip down and releases the SPI port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.standby()
	if perr := d.pins.pwr.Out(gpio.Low); err == nil {
		err = perr
	}
	if d.port != nil {
		if perr := d.port.Close(); err == nil {
			err = perr
		}
	}
	return radio.Wrap("close", err)
}

func (d *Device) standby() error {
	if err := d.pins.ce.Out(gpio.Low); err != nil {
		return err
	}
	return d.pins.txen.Out(gpio.Low)
}

func (d *Device) receiveMode() error {
	if err := d.pins.txen.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.pins.ce.Out(gpio.High); err != nil {
		return err
	}
	d.sleep(ceSettle)
	return nil
}

func (d *Device) waitDataReady(timeout time.Duration) bool {
	if d.pins.dr.Read() == gpio.High {
		return true
	}
	return d.pins.dr.WaitForEdge(timeout) || d.pins.dr.Read() == gpio.High
}

func (d *Device) write(cmd byte, data []byte) error {
	w := make([]byte, 1+len(data))
	w[0] = cmd
	copy(w[1:], data)
	return d.conn.Tx(w, make([]byte, len(w)))
}

func (d *Device) read(cmd byte, n int) ([]byte, error) {
	w := make([]byte, 1+n)
	w[0] = cmd
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return nil, err
	}
	return r[1:], nil
}

// encodeConfig builds the 10-byte RF configuration register.
func encodeConfig(cfg radio.Config) [configSize]byte {
	var reg [configSize]byte
	reg[0] = byte(cfg.Channel)
	reg[1] = byte(cfg.Channel>>8)&0x01 | byte(cfg.TxPower)<<2
	if cfg.Band != radio.Band433 {
		reg[1] |= hfreqPLL
	}
	reg[2] = addressSize<<4 | addressSize
	reg[3] = byte(cfg.PayloadWidth)
	reg[4] = byte(cfg.PayloadWidth)
	addr := encodeAddress(cfg.Address)
	copy(reg[5:9], addr[:])
	reg[9] = crcMode16 | crcEnable | xof16MHz
	return reg
}

// encodeAddress lays out the address least significant byte first, the order
// the chip shifts it onto the air.
func encodeAddress(a uint32) [addressSize]byte {
	return [addressSize]byte{byte(a), byte(a >> 8), byte(a >> 16), byte(a >> 24)}
}

// Frequency returns the carrier frequency for a channel and band.
func Frequency(channel uint16, band radio.Band) physic.Frequency {
	f := 422400*physic.KiloHertz + physic.Frequency(channel)*100*physic.KiloHertz
	if band != radio.Band433 {
		f *= 2
	}
	return f
}
