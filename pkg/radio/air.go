package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Air is an in-memory radio medium for tests and simulations.
// Stations opened on the same Air hear each other when they are tuned to the
// same channel, band and address.
type Air struct {
	mu       sync.RWMutex
	closed   bool
	stations map[*Station]struct{}
	jammed   map[uint16]bool
}

// NewAir creates an empty medium.
func NewAir() *Air {
	return &Air{
		stations: make(map[*Station]struct{}),
		jammed:   make(map[uint16]bool),
	}
}

// Open attaches a new station to the medium.
func (a *Air) Open() *Station {
	s := &Station{
		air:    a,
		ch:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		s.dead = true
		close(s.closed)
		return s
	}
	a.stations[s] = struct{}{}
	a.mu.Unlock()
	return s
}

// Jam holds a carrier on the channel. Stations tuned to it report the airway
// busy until the jam is released.
func (a *Air) Jam(channel uint16, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.jammed[channel] = true
	} else {
		delete(a.jammed, channel)
	}
}

// Close closes the medium and every attached station.
func (a *Air) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for s := range a.stations {
		s.closeNoLock()
	}
	a.stations = nil
	a.mu.Unlock()
	return nil
}

// Station is one transceiver attached to an Air medium.
type Station struct {
	air    *Air
	ch     chan []byte
	closed chan struct{}

	mu         sync.Mutex
	dead       bool
	configured bool
	cfg        Config
	fault      error
	sent       int
}

var _ Transceiver = (*Station)(nil)

// Configure tunes the station.
func (s *Station) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return Wrap("configure", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return ErrClosed
	}
	s.cfg = cfg
	s.configured = true
	// Anything queued under the old address is gone after a retune.
	for {
		select {
		case <-s.ch:
		default:
			return nil
		}
	}
}

// Config returns the current tuning.
func (s *Station) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// InjectFault makes the next Transmit fail with a RadioError wrapping err.
func (s *Station) InjectFault(err error) {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
}

// Sent returns the number of payloads transmitted so far.
func (s *Station) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Transmit delivers the payload to every other station with matching tuning.
// Stations whose receive queue is full drop the payload, as a real receiver
// would.
func (s *Station) Transmit(data []byte) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.configured {
		s.mu.Unlock()
		return &RadioError{Op: "transmit", Err: errors.New("not configured")}
	}
	if s.fault != nil {
		err := s.fault
		s.fault = nil
		s.mu.Unlock()
		return &RadioError{Op: "transmit", Err: err}
	}
	cfg := s.cfg
	if len(data) != cfg.PayloadWidth {
		s.mu.Unlock()
		return &RadioError{Op: "transmit", Err: fmt.Errorf("payload length %d, want %d", len(data), cfg.PayloadWidth)}
	}
	s.sent++
	s.mu.Unlock()

	s.air.mu.RLock()
	if s.air.closed {
		s.air.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Station, 0, len(s.air.stations))
	for t := range s.air.stations {
		if t != s {
			targets = append(targets, t)
		}
	}
	s.air.mu.RUnlock()

	for _, t := range targets {
		t.deliver(cfg, data)
	}
	return nil
}

func (s *Station) deliver(from Config, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.configured {
		return
	}
	if s.cfg.Channel != from.Channel || s.cfg.Band != from.Band ||
		s.cfg.Address != from.Address || s.cfg.PayloadWidth != from.PayloadWidth {
		return
	}
	buf := append([]byte(nil), data...)
	select {
	case s.ch <- buf:
	default:
	}
}

// Receive waits for the next payload.
func (s *Station) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-s.ch:
		return data, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// AirwayBusy reports whether the station's channel is jammed.
func (s *Station) AirwayBusy() (bool, error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return false, ErrClosed
	}
	channel := s.cfg.Channel
	s.mu.Unlock()

	s.air.mu.RLock()
	defer s.air.mu.RUnlock()
	return s.air.jammed[channel], nil
}

// Close detaches the station from the medium.
func (s *Station) Close() error {
	s.air.mu.Lock()
	s.closeNoLock()
	s.air.mu.Unlock()
	return nil
}

func (s *Station) closeNoLock() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	close(s.closed)
	if s.air.stations != nil {
		delete(s.air.stations, s)
	}
	s.mu.Unlock()
}
