package link

import (
	"context"
	"sync"
	"time"
)

// AttemptFunc performs one attempt to establish the link. It returns nil on
// success.
type AttemptFunc func(ctx context.Context) error

// Supervisor repeats an AttemptFunc with exponential backoff until it
// succeeds or the supervisor is stopped.
type Supervisor struct {
	mu sync.Mutex

	backoff   *Backoff
	attemptFn AttemptFunc
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onRetry     func(attempt int, delay time.Duration, err error)
	onSucceeded func(attempts int)
}

// NewSupervisor creates a supervisor. A nil backoff selects NewBackoff().
func NewSupervisor(fn AttemptFunc, backoff *Backoff) *Supervisor {
	if backoff == nil {
		backoff = NewBackoff()
	}
	return &Supervisor{backoff: backoff, attemptFn: fn}
}

// Start launches the retry loop in the background. It returns false if a
// loop is already running.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.backoff.Reset()
	s.wg.Add(1)
	go s.loop(ctx)
	return true
}

// Running reports whether the retry loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop cancels the retry loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// OnRetry sets a callback invoked after each failed attempt with the delay
// before the next one.
func (s *Supervisor) OnRetry(fn func(attempt int, delay time.Duration, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetry = fn
}

// OnSucceeded sets a callback invoked once the attempt succeeds.
func (s *Supervisor) OnSucceeded(fn func(attempts int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSucceeded = fn
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		err := s.attemptFn(ctx)
		if err == nil {
			s.backoff.Reset()
			s.mu.Lock()
			fn := s.onSucceeded
			s.mu.Unlock()
			if fn != nil {
				fn(attempt)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff.Next()
		s.mu.Lock()
		fn := s.onRetry
		s.mu.Unlock()
		if fn != nil {
			fn(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
