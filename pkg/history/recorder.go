package history

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zehnder-rf/zehnder-go/pkg/controller"
)

// DefaultQueueSize is the number of samples buffered between the controller
// and the database.
const DefaultQueueSize = 64

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// QueueSize bounds the samples waiting to be written. When the queue is
	// full new samples are dropped.
	QueueSize int

	// Retention deletes samples older than this after each write.
	// Zero keeps everything.
	Retention time.Duration

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Recorder writes controller status changes to a Store. Statuses that repeat
// the previous fan and link values are skipped.
type Recorder struct {
	store  *Store
	config RecorderConfig
	queue  chan Sample

	mu      sync.Mutex
	last    Sample
	hasLast bool
	dropped int
	closed  bool

	done    chan struct{}
	timeNow func() time.Time
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store *Store, config RecorderConfig) *Recorder {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	r := &Recorder{
		store:   store,
		config:  config,
		queue:   make(chan Sample, config.QueueSize),
		done:    make(chan struct{}),
		timeNow: time.Now,
	}
	go r.loop()
	return r
}

// Attach subscribes the recorder to a controller's status updates.
func (r *Recorder) Attach(c *controller.Controller) {
	c.OnStatus(r.Record)
}

// Record queues a status. It never blocks.
func (r *Recorder) Record(s controller.Status) {
	sample := SampleFromStatus(s)
	if sample.At.IsZero() {
		sample.At = r.timeNow()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || (r.hasLast && sample.sameAs(r.last)) {
		return
	}
	select {
	case r.queue <- sample:
		r.last, r.hasLast = sample, true
	default:
		r.dropped++
		if r.config.Logger != nil {
			r.config.Logger.Warn("history queue full, sample dropped", "dropped", r.dropped)
		}
	}
}

// Dropped returns the number of samples lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close writes the queued samples and stops the recorder. The store stays
// open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for sample := range r.queue {
		if _, err := r.store.Add(sample); err != nil {
			if r.config.Logger != nil {
				r.config.Logger.Error("history write failed", "error", err)
			}
			continue
		}
		if r.config.Retention > 0 {
			n, err := r.store.Prune(r.timeNow().Add(-r.config.Retention))
			if err != nil && r.config.Logger != nil {
				r.config.Logger.Error("history prune failed", "error", err)
			} else if n > 0 {
				r.debugLog("history pruned", "samples", n)
			}
		}
	}
}

func (r *Recorder) debugLog(msg string, args ...any) {
	if r.config.Logger != nil {
		r.config.Logger.Debug(msg, args...)
	}
}
