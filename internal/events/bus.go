// Package events implements the subscriber bus the cache and PWA components
// publish lifecycle notifications on. Delivery is synchronous and in
// subscription order; a panicking subscriber is recovered and logged so it
// cannot break delivery to the others.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/metrics"
	"github.com/google/uuid"
)

// Type names a bus event.
type Type string

// Event types published by the cache, connectivity and PWA components.
const (
	NetworkRestored     Type = "network-restored"
	NetworkLost         Type = "network-lost"
	CacheUpdated        Type = "cache-updated"
	BackgroundUpdated   Type = "background-updated"
	CacheCleared        Type = "cache-cleared"
	CacheCleaned        Type = "cache-cleaned"
	UpdateAvailable     Type = "update-available"
	UpdateActivated     Type = "update-activated"
	InstallStateChanged Type = "install-state-changed"
)

// Event is a single bus notification. Only the fields relevant to Type are
// set: cache events carry Endpoint/CacheKey/Data, sweeps carry Count, PWA
// events carry Detail.
type Event struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Endpoint string          `json:"endpoint,omitempty"`
	CacheKey string          `json:"cache_key,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Count    int             `json:"count,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Time     time.Time       `json:"time"`
}

// Subscriber receives bus events.
type Subscriber func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

type subscription struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps ev with an ID and time (when unset) and delivers it to
// every subscriber registered at the time of the call.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, ev)
	}
}

func deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberPanics.Inc()
			logging.Component("events").Error("subscriber panicked",
				"event", string(ev.Type),
				"panic", r,
			)
		}
	}()
	fn(ev)
}
