// Package ratelimit provides an in-memory token-bucket rate limiter and the
// HTTP middleware that applies it per client address to proxied /api calls.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens added per second
	burst    float64 // maximum token capacity
	tokens   float64
	lastSeen time.Time
	now      func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond (at least 1).
func New(ratePerSecond, burst float64) *Limiter {
	return newLimiter(ratePerSecond, burst, time.Now)
}

func newLimiter(rate, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   burst,
		lastSeen: now(),
		now:      now,
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}

// Reserve consumes one token when available. Otherwise it reports how long
// until the next token is due.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastSeen).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastSeen = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Second
	}
	wait := time.Duration((1.0 - l.tokens) / l.rate * float64(time.Second))
	return false, wait
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// Store maintains per-key Limiter instances.
type Store struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
	now      func() time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
		now:      time.Now,
	}
}

// WithClock replaces the time source for limiters created afterwards.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) bool {
	ok, _ := s.Reserve(key)
	return ok
}

// Reserve is Allow plus the wait until the next token for key.
func (s *Store) Reserve(key string) (bool, time.Duration) {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l.Reserve()
	}

	s.mu.Lock()
	if l, ok = s.limiters[key]; !ok {
		l = newLimiter(s.rate, s.burst, s.now)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Reserve()
}

// Prune drops limiters that have not been used for idle and returns how
// many were removed. A dropped key starts over with a full bucket.
func (s *Store) Prune(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	removed := 0
	for key, l := range s.limiters {
		if l.idleSince().Before(cutoff) {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}
