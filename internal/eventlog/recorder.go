package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
)

// DefaultBuffer is the number of events the Recorder queues before dropping.
const DefaultBuffer = 256

// Recorder is a bus subscriber that writes events to a Writer on its own
// goroutine. Publishing never blocks on the database: when the queue is
// full the event is dropped and logged.
type Recorder struct {
	w     Writer
	queue chan Entry
	once  sync.Once
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewRecorder starts a Recorder writing to w.
func NewRecorder(w Writer, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		w:     w,
		queue: make(chan Entry, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record is an events.Subscriber.
func (r *Recorder) Record(ev events.Event) {
	entry := Entry{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Endpoint:  ev.Endpoint,
		CacheKey:  ev.CacheKey,
		Count:     ev.Count,
		Detail:    ev.Detail,
		CreatedAt: ev.Time,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped++
		logging.Component("eventlog").Warn("event log queue full, dropping event", "type", entry.Type)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting events and waits until the queue is drained.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	log := logging.Component("eventlog")
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.w.Write(ctx, entry); err != nil {
			log.Error("write event failed", "type", entry.Type, "error", err.Error())
		}
		cancel()
	}
}
