package strategies

import "context"

// NetworkOnly always calls the backend. It never reads or writes the cache.
type NetworkOnly struct{}

// Execute implements Strategy.
func (NetworkOnly) Execute(ctx context.Context, env Env, req Request, policy Policy) (*Result, error) {
	data, err := env.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return networkResult(data, req, policy), nil
}
