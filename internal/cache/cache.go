// Package cache provides the in-memory store backing the API cache. Entries
// are keyed by the canonical request signature produced by Key and expire
// according to the max age of their category. Nothing is persisted: the
// store lives exactly as long as the process.
package cache

import (
	"encoding/json"
	"time"
)

// Category groups endpoints that share a freshness window and fetch strategy.
type Category string

// Category constants, in classification priority order.
const (
	CategoryEssential Category = "essential"
	CategoryFrequent  Category = "frequent"
	CategoryRealtime  Category = "realtime"
	CategoryDefault   Category = "default"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryEssential, CategoryFrequent, CategoryRealtime, CategoryDefault:
		return true
	}
	return false
}

// DefaultMaxAges returns the built-in freshness window per category.
func DefaultMaxAges() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryEssential: 24 * time.Hour,
		CategoryFrequent:  5 * time.Minute,
		CategoryRealtime:  0,
		CategoryDefault:   30 * time.Minute,
	}
}

// Entry is a cached backend response.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	MaxAge    time.Duration   `json:"max_age"`
	Category  Category        `json:"category"`
}

// ExpiredAt reports whether the entry is past its freshness window at now.
// An entry is still fresh at exactly Timestamp+MaxAge.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.MaxAge
}

// Metadata is advisory per-key bookkeeping. It never affects lookups.
type Metadata struct {
	Hits       int64     `json:"hits"`
	LastAccess time.Time `json:"last_access"`
	Size       int       `json:"size"`
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Entries int                 `json:"entries"`
	Expired int                 `json:"expired"`
	Bytes   int                 `json:"bytes"`
	Keys    map[string]Metadata `json:"keys"`
}

// Cache defines the store operations used by the fetch coordinator.
type Cache interface {
	Get(key string) (*Entry, bool)
	Set(key string, data json.RawMessage, category Category)
	IsExpired(key string) bool
	Clear()
	ClearFor(substr string) int
	Sweep() int
	Len() int
}
