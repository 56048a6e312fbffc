// Package health tracks whether the RF link to the fan unit is usable.
//
// The protocol engine is the only writer: it records the outcome of every
// exchange and reports link state changes. Everything else observes the link
// through the read-only View.
//
// The link is healthy while fewer than Threshold consecutive exchanges have
// failed and the last success is no older than StaleAfter. A monitor with no
// success yet is unhealthy once it has seen a failure.
package health

import (
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/link"
)

// Defaults.
const (
	DefaultThreshold  = 3
	DefaultStaleAfter = 5 * time.Minute
)

// View is the read-only side of a Monitor.
type View interface {
	// State returns the current link state.
	State() link.State

	// Linked reports whether the link state is LINKED.
	Linked() bool

	// Healthy applies the failure and staleness rules at the current time.
	Healthy() bool

	// Failures returns the number of consecutive failed exchanges.
	Failures() int

	// LastSuccess returns the time of the last successful exchange, or the
	// zero time if there has been none.
	LastSuccess() time.Time
}

// Monitor counts exchange outcomes.
type Monitor struct {
	mu          sync.RWMutex
	threshold   int
	staleAfter  time.Duration
	state       link.State
	failures    int
	lastSuccess time.Time
	since       time.Time

	timeNow func() time.Time
}

var _ View = (*Monitor)(nil)

// New creates a monitor. Zero arguments select the defaults.
func New(threshold int, staleAfter time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{
		threshold:  threshold,
		staleAfter: staleAfter,
		timeNow:    time.Now,
	}
}

// RecordSuccess resets the failure count.
func (m *Monitor) RecordSuccess(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastSuccess = at
}

// RecordFailure counts a failed exchange and reports whether the link has
// crossed into unhealthy as of at.
func (m *Monitor) RecordFailure(at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return !m.healthyAt(at)
}

// SetState records the link state.
func (m *Monitor) SetState(s link.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Reset clears counters, used when a new pairing starts over.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastSuccess = time.Time{}
	m.since = time.Time{}
}

// Restart clears counters and starts the staleness clock at at, so a link
// that has not exchanged anything yet gets the full threshold.
func (m *Monitor) Restart(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastSuccess = time.Time{}
	m.since = at
}

func (m *Monitor) State() link.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Linked() bool {
	return m.State() == link.Linked
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyAt(m.timeNow())
}

// HealthyAt applies the rules at an arbitrary time.
func (m *Monitor) HealthyAt(at time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyAt(at)
}

func (m *Monitor) healthyAt(at time.Time) bool {
	if m.failures >= m.threshold {
		return false
	}
	ref := m.lastSuccess
	if ref.IsZero() {
		ref = m.since
	}
	if ref.IsZero() {
		return m.failures == 0
	}
	return at.Sub(ref) <= m.staleAfter
}

func (m *Monitor) Failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

func (m *Monitor) LastSuccess() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccess
}
