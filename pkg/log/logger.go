package log

import (
	"time"

	"github.com/google/uuid"
)

// FileExtension is the conventional suffix of capture files.
const FileExtension = ".rflog"

// Logger receives protocol events.
// Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records a protocol event. Implementations must be thread-safe and
	// must not block the radio loop for long.
	Log(event Event)
}

// NoopLogger discards all events. It is usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}

// Session stamps events with a session id and, when missing, a timestamp
// before forwarding them.
type Session struct {
	id      string
	next    Logger
	timeNow func() time.Time
}

// NewSession starts a capture session with a fresh UUID. A nil logger
// yields a session that discards events.
func NewSession(next Logger) *Session {
	if next == nil {
		next = NoopLogger{}
	}
	return &Session{id: uuid.NewString(), next: next, timeNow: time.Now}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Log stamps and forwards the event.
func (s *Session) Log(event Event) {
	if event.SessionID == "" {
		event.SessionID = s.id
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.timeNow()
	}
	s.next.Log(event)
}

var _ Logger = (*Session)(nil)
