package coordinator

import (
	"context"
	"encoding/json"

	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/strategies"
)

// env is the strategies.Env view of a Coordinator.
type env struct{ c *Coordinator }

func (e env) Lookup(key string) (*cache.Entry, bool) { return e.c.store.Get(key) }

func (e env) Expired(key string) bool { return e.c.store.IsExpired(key) }

func (e env) Online() bool { return e.c.conn.Online() }

func (e env) FetchAndCache(ctx context.Context, req strategies.Request, policy strategies.Policy) (json.RawMessage, error) {
	return e.c.fetchAndCache(ctx, req, policy)
}

func (e env) Fetch(ctx context.Context, req strategies.Request) (json.RawMessage, error) {
	return e.c.fetch(ctx, req)
}

func (e env) Revalidate(req strategies.Request, policy strategies.Policy) {
	e.c.revalidate(req, policy)
}
