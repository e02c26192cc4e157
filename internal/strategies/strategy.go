// Package strategies implements the fetch strategies used by the coordinator
// and the classifier that picks one for an endpoint.
//
// Available strategies:
//   - CacheFirst:   serves a fresh cached entry and revalidates it in the background.
//   - NetworkFirst: prefers the backend, falls back to cache when offline or on failure.
//   - NetworkOnly:  always calls the backend and never touches the cache.
package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adakings/apicache/internal/cache"
)

// Kind names a fetch strategy.
type Kind string

// Kind constants define the supported fetch strategies.
const (
	KindCacheFirst   Kind = "cache-first"
	KindNetworkFirst Kind = "network-first"
	KindNetworkOnly  Kind = "network-only"
)

// Valid reports whether k is a known strategy.
func (k Kind) Valid() bool {
	switch k {
	case KindCacheFirst, KindNetworkFirst, KindNetworkOnly:
		return true
	}
	return false
}

// Policy is the outcome of classifying an endpoint.
type Policy struct {
	Category cache.Category `json:"category"`
	MaxAge   time.Duration  `json:"max_age"`
	Strategy Kind           `json:"strategy"`
}

// Request is a single backend call as seen by the strategies. Key is the
// canonical cache key and is filled in by the coordinator.
type Request struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Params   map[string]any  `json:"params,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Key      string          `json:"-"`
}

// Result is the data returned to the caller along with how it was obtained.
type Result struct {
	Data      json.RawMessage `json:"data"`
	Key       string          `json:"key"`
	Category  cache.Category  `json:"category"`
	Strategy  Kind            `json:"strategy"`
	FromCache bool            `json:"from_cache,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	Offline   bool            `json:"offline,omitempty"`
	Fallback  bool            `json:"fallback,omitempty"`
	CachedAt  time.Time       `json:"cached_at,omitempty"`
}

// Env is the surface a strategy runs against. The coordinator implements it.
type Env interface {
	// Lookup returns the stored entry for key, expired or not.
	Lookup(key string) (*cache.Entry, bool)
	// Expired reports whether key is absent or past its max age.
	Expired(key string) bool
	// Online reports whether the backend is believed reachable.
	Online() bool
	// FetchAndCache calls the backend and stores a successful response.
	FetchAndCache(ctx context.Context, req Request, policy Policy) (json.RawMessage, error)
	// Fetch calls the backend without touching the cache.
	Fetch(ctx context.Context, req Request) (json.RawMessage, error)
	// Revalidate schedules a detached refresh of req.
	Revalidate(req Request, policy Policy)
}

// Strategy executes a request under one fetch policy.
type Strategy interface {
	Execute(ctx context.Context, env Env, req Request, policy Policy) (*Result, error)
}

// For returns the strategy implementing kind.
func For(kind Kind) (Strategy, error) {
	switch kind {
	case KindCacheFirst:
		return CacheFirst{}, nil
	case KindNetworkFirst:
		return NetworkFirst{}, nil
	case KindNetworkOnly:
		return NetworkOnly{}, nil
	default:
		return nil, fmt.Errorf("unknown fetch strategy: %q", kind)
	}
}

func networkResult(data json.RawMessage, req Request, policy Policy) *Result {
	return &Result{
		Data:     data,
		Key:      req.Key,
		Category: policy.Category,
		Strategy: policy.Strategy,
	}
}

func cachedResult(e *cache.Entry, req Request, policy Policy) *Result {
	return &Result{
		Data:      e.Data,
		Key:       req.Key,
		Category:  policy.Category,
		Strategy:  policy.Strategy,
		FromCache: true,
		CachedAt:  e.Timestamp,
	}
}
