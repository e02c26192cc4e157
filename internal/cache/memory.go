package cache

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/metrics"
)

// Memory is a thread-safe in-memory cache store with per-category expiry.
// There is no size bound; expired entries are removed by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	meta    map[string]*Metadata
	maxAges map[Category]time.Duration
	now     func() time.Time
	pub     events.Publisher
}

// Option configures a Memory store.
type Option func(*Memory)

// WithClock sets the time source used to stamp and expire entries.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithMaxAges overrides the max age of the given categories.
func WithMaxAges(ages map[Category]time.Duration) Option {
	return func(m *Memory) {
		for c, d := range ages {
			m.maxAges[c] = d
		}
	}
}

// WithPublisher sets where cache-cleared and cache-cleaned events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Memory) { m.pub = p }
}

// NewMemory creates an empty store.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries: make(map[string]*Entry),
		meta:    make(map[string]*Metadata),
		maxAges: DefaultMaxAges(),
		now:     time.Now,
		pub:     events.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the entry stored under key, expired or not.
func (m *Memory) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if md := m.meta[key]; md != nil {
		md.Hits++
		md.LastAccess = m.now()
	}
	cp := *e
	return &cp, true
}

// Set stores data under key, stamped with the current time and the max age
// configured for category. An existing entry is replaced.
func (m *Memory) Set(key string, data json.RawMessage, category Category) {
	if !category.Valid() {
		category = CategoryDefault
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = &Entry{
		Key:       key,
		Data:      data,
		Timestamp: now,
		MaxAge:    m.maxAges[category],
		Category:  category,
	}
	md, ok := m.meta[key]
	if !ok {
		md = &Metadata{}
		m.meta[key] = md
	}
	md.LastAccess = now
	md.Size = len(data)
	metrics.Entries.Set(float64(len(m.entries)))
}

// IsExpired reports whether key is absent or past its max age.
func (m *Memory) IsExpired(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return true
	}
	return e.ExpiredAt(m.now())
}

// Clear removes every entry and publishes cache-cleared.
func (m *Memory) Clear() {
	m.mu.Lock()
	n := len(m.entries)
	m.entries = make(map[string]*Entry)
	m.meta = make(map[string]*Metadata)
	metrics.Entries.Set(0)
	m.mu.Unlock()

	m.pub.Publish(events.Event{Type: events.CacheCleared, Count: n})
}

// ClearFor removes every entry whose key contains substr and returns how many
// were removed. An empty substr removes nothing.
func (m *Memory) ClearFor(substr string) int {
	if substr == "" {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.Contains(key, substr) {
			m.removeLocked(key)
			removed++
		}
	}
	metrics.Entries.Set(float64(len(m.entries)))
	return removed
}

// Sweep removes every expired entry and publishes cache-cleaned when at
// least one entry was removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.ExpiredAt(now) {
			m.removeLocked(key)
			removed++
		}
	}
	metrics.Entries.Set(float64(len(m.entries)))
	m.mu.Unlock()

	if removed > 0 {
		metrics.Swept.Add(float64(removed))
		m.pub.Publish(events.Event{Type: events.CacheCleaned, Count: removed})
	}
	return removed
}

// Len returns the number of stored entries, including expired ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns copies of all stored entries sorted by key.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats summarises the store.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Stats{
		Entries: len(m.entries),
		Keys:    make(map[string]Metadata, len(m.meta)),
	}
	for key, e := range m.entries {
		if e.ExpiredAt(now) {
			st.Expired++
		}
		st.Bytes += len(e.Data)
		if md := m.meta[key]; md != nil {
			st.Keys[key] = *md
		}
	}
	return st
}

// SetMaxAges replaces the per-category max ages used by future Set calls.
// Existing entries keep the max age they were stored with.
func (m *Memory) SetMaxAges(ages map[Category]time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := DefaultMaxAges()
	for c, d := range ages {
		next[c] = d
	}
	m.maxAges = next
}

func (m *Memory) removeLocked(key string) {
	delete(m.entries, key)
	delete(m.meta, key)
}
