package strategies

import "context"

// CacheFirst returns a fresh cached entry immediately and, when the backend
// is reachable, schedules a background refresh. Without a fresh entry it
// behaves like a plain fetch-and-cache.
type CacheFirst struct{}

// Execute implements Strategy.
func (CacheFirst) Execute(ctx context.Context, env Env, req Request, policy Policy) (*Result, error) {
	if !env.Expired(req.Key) {
		if e, ok := env.Lookup(req.Key); ok {
			if env.Online() {
				env.Revalidate(req, policy)
			}
			return cachedResult(e, req, policy), nil
		}
	}

	data, err := env.FetchAndCache(ctx, req, policy)
	if err != nil {
		return nil, err
	}
	return networkResult(data, req, policy), nil
}
