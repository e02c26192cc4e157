package strategies

import (
	"context"
	"fmt"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/logging"
)

// NetworkFirst prefers a live backend response. While offline it serves any
// cached entry, and when the backend call fails it falls back to one.
type NetworkFirst struct{}

// Execute implements Strategy.
func (NetworkFirst) Execute(ctx context.Context, env Env, req Request, policy Policy) (*Result, error) {
	if !env.Online() {
		if e, ok := env.Lookup(req.Key); ok {
			res := cachedResult(e, req, policy)
			res.Offline = true
			return res, nil
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, backend.ErrNetworkUnavailable)
	}

	data, err := env.FetchAndCache(ctx, req, policy)
	if err == nil {
		return networkResult(data, req, policy), nil
	}

	if e, ok := env.Lookup(req.Key); ok {
		logging.FromContext(ctx).Warn("serving cached fallback",
			"endpoint", req.Endpoint,
			"error", err.Error(),
		)
		res := cachedResult(e, req, policy)
		res.Fallback = true
		return res, nil
	}
	return nil, err
}
