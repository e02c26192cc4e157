package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/cache"
)

type mockEnv struct {
	entries     map[string]*cache.Entry
	expired     map[string]bool
	online      bool
	resp        json.RawMessage
	err         error
	fetches     int
	cached      int
	revalidated []Request
}

func newMockEnv() *mockEnv {
	return &mockEnv{
		entries: make(map[string]*cache.Entry),
		expired: make(map[string]bool),
		online:  true,
		resp:    json.RawMessage(`{"live":true}`),
	}
}

func (m *mockEnv) put(key, data string, expired bool) {
	m.entries[key] = &cache.Entry{Key: key, Data: json.RawMessage(data), Timestamp: time.Unix(100, 0)}
	m.expired[key] = expired
}

func (m *mockEnv) Lookup(key string) (*cache.Entry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

func (m *mockEnv) Expired(key string) bool {
	if _, ok := m.entries[key]; !ok {
		return true
	}
	return m.expired[key]
}

func (m *mockEnv) Online() bool { return m.online }

func (m *mockEnv) FetchAndCache(_ context.Context, req Request, _ Policy) (json.RawMessage, error) {
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	m.cached++
	m.put(req.Key, string(m.resp), false)
	return m.resp, nil
}

func (m *mockEnv) Fetch(_ context.Context, _ Request) (json.RawMessage, error) {
	m.fetches++
	return m.resp, m.err
}

func (m *mockEnv) Revalidate(req Request, _ Policy) {
	m.revalidated = append(m.revalidated, req)
}

func request(endpoint string) Request {
	return Request{Method: "GET", Endpoint: endpoint, Key: "GET " + endpoint}
}

func TestFor(t *testing.T) {
	for _, k := range []Kind{KindCacheFirst, KindNetworkFirst, KindNetworkOnly} {
		if _, err := For(k); err != nil {
			t.Errorf("For(%q): %v", k, err)
		}
	}
	if _, err := For("stale-while-revalidate"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestCacheFirst_FreshHitRevalidates(t *testing.T) {
	env := newMockEnv()
	req := request("/api/menu/")
	env.put(req.Key, `{"cached":true}`, false)

	res, err := CacheFirst{}.Execute(context.Background(), env, req, Policy{Strategy: KindCacheFirst})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache || string(res.Data) != `{"cached":true}` {
		t.Errorf("expected cached data, got %+v", res)
	}
	if env.fetches != 0 {
		t.Errorf("foreground fetches = %d, want 0", env.fetches)
	}
	if len(env.revalidated) != 1 {
		t.Errorf("revalidations = %d, want 1", len(env.revalidated))
	}
}

func TestCacheFirst_OfflineHitSkipsRevalidation(t *testing.T) {
	env := newMockEnv()
	env.online = false
	req := request("/api/menu/")
	env.put(req.Key, `{"cached":true}`, false)

	res, err := CacheFirst{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Error("expected cache hit")
	}
	if len(env.revalidated) != 0 {
		t.Error("must not revalidate while offline")
	}
}

func TestCacheFirst_ExpiredFetches(t *testing.T) {
	env := newMockEnv()
	req := request("/api/menu/")
	env.put(req.Key, `{"cached":true}`, true)

	res, err := CacheFirst{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache || string(res.Data) != `{"live":true}` {
		t.Errorf("expected live data, got %+v", res)
	}
	if env.cached != 1 {
		t.Errorf("stored = %d, want 1", env.cached)
	}
}

func TestCacheFirst_MissFailurePropagates(t *testing.T) {
	env := newMockEnv()
	env.err = errors.New("boom")

	if _, err := (CacheFirst{}).Execute(context.Background(), env, request("/api/menu/"), Policy{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNetworkFirst_OnlineStoresFreshData(t *testing.T) {
	env := newMockEnv()
	req := request("/api/orders/recent")
	env.put(req.Key, `{"cached":true}`, false)

	res, err := NetworkFirst{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache || string(res.Data) != `{"live":true}` {
		t.Errorf("expected live data, got %+v", res)
	}
	if env.cached != 1 {
		t.Errorf("stored = %d, want 1", env.cached)
	}
}

func TestNetworkFirst_OfflineServesExpiredEntry(t *testing.T) {
	env := newMockEnv()
	env.online = false
	req := request("/api/orders/recent")
	env.put(req.Key, `{"cached":true}`, true)

	res, err := NetworkFirst{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Offline || !res.FromCache {
		t.Errorf("expected offline cache result, got %+v", res)
	}
	if env.fetches != 0 {
		t.Errorf("fetches = %d, want 0", env.fetches)
	}
}

func TestNetworkFirst_OfflineMiss(t *testing.T) {
	env := newMockEnv()
	env.online = false

	_, err := NetworkFirst{}.Execute(context.Background(), env, request("/api/orders/recent"), Policy{})
	if !errors.Is(err, backend.ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestNetworkFirst_FailureFallsBack(t *testing.T) {
	env := newMockEnv()
	env.err = errors.New("503")
	req := request("/api/orders/recent")
	env.put(req.Key, `{"cached":true}`, true)

	res, err := NetworkFirst{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fallback || string(res.Data) != `{"cached":true}` {
		t.Errorf("expected fallback result, got %+v", res)
	}
}

func TestNetworkFirst_FailureWithoutEntry(t *testing.T) {
	env := newMockEnv()
	env.err = errors.New("503")

	if _, err := (NetworkFirst{}).Execute(context.Background(), env, request("/api/orders/recent"), Policy{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNetworkOnly_NeverTouchesCache(t *testing.T) {
	env := newMockEnv()
	req := request("/api/orders/status")
	env.put(req.Key, `{"cached":true}`, false)

	res, err := NetworkOnly{}.Execute(context.Background(), env, req, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache || string(res.Data) != `{"live":true}` {
		t.Errorf("expected live data, got %+v", res)
	}
	if env.cached != 0 {
		t.Error("network-only must not store")
	}

	env.err = errors.New("down")
	if _, err := (NetworkOnly{}).Execute(context.Background(), env, req, Policy{}); err == nil {
		t.Error("network-only must propagate failures even with a cached entry")
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultTable())
	tests := []struct {
		endpoint string
		category cache.Category
		strategy Kind
		maxAge   time.Duration
	}{
		{"/api/menu/items/", cache.CategoryEssential, KindCacheFirst, 24 * time.Hour},
		{"/api/users/me", cache.CategoryEssential, KindCacheFirst, 24 * time.Hour},
		{"/api/orders/recent", cache.CategoryFrequent, KindNetworkFirst, 5 * time.Minute},
		{"/api/tables/4/", cache.CategoryFrequent, KindNetworkFirst, 5 * time.Minute},
		{"/api/orders/status", cache.CategoryRealtime, KindNetworkOnly, 0},
		{"/api/kitchen/queue", cache.CategoryRealtime, KindNetworkOnly, 0},
		{"/api/reports/daily", cache.CategoryDefault, KindNetworkFirst, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			p := c.Classify(tt.endpoint)
			if p.Category != tt.category || p.Strategy != tt.strategy || p.MaxAge != tt.maxAge {
				t.Errorf("Classify(%q) = %+v, want %s/%s/%s", tt.endpoint, p, tt.category, tt.strategy, tt.maxAge)
			}
			if again := c.Classify(tt.endpoint); again != p {
				t.Errorf("Classify is not stable: %+v then %+v", p, again)
			}
		})
	}
}

func TestClassify_PriorityOrder(t *testing.T) {
	// A path matching both an essential and a realtime rule is essential
	// regardless of rule listing order.
	tbl := Table{Rules: []Rule{
		{Category: cache.CategoryRealtime, Match: []string{"/api/"}},
		{Category: cache.CategoryEssential, Match: []string{"/api/menu/"}},
	}}
	c := NewClassifier(tbl)
	if got := c.Classify("/api/menu/1").Category; got != cache.CategoryEssential {
		t.Errorf("got %s, want essential", got)
	}
	if got := c.Classify("/api/kitchen/").Category; got != cache.CategoryRealtime {
		t.Errorf("got %s, want realtime", got)
	}
}

func TestClassify_CategoryOverride(t *testing.T) {
	tbl := DefaultTable()
	tbl.Categories[cache.CategoryFrequent] = CategoryPolicy{MaxAge: time.Minute, Strategy: KindCacheFirst}
	c := NewClassifier(tbl)
	p := c.Classify("/api/stats/")
	if p.MaxAge != time.Minute || p.Strategy != KindCacheFirst {
		t.Errorf("override not applied: %+v", p)
	}
}

func TestTableValidate(t *testing.T) {
	if err := DefaultTable().Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}
	bad := []Table{
		{Rules: []Rule{{Category: cache.CategoryDefault, Match: []string{"/x"}}}},
		{Rules: []Rule{{Category: "hot", Match: []string{"/x"}}}},
		{Rules: []Rule{{Category: cache.CategoryEssential, Match: []string{" "}}}},
		{Categories: map[cache.Category]CategoryPolicy{cache.CategoryFrequent: {Strategy: "bogus"}}},
		{Categories: map[cache.Category]CategoryPolicy{cache.CategoryFrequent: {Strategy: KindNetworkFirst, MaxAge: -1}}},
	}
	for i, tbl := range bad {
		if err := tbl.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
