// Package coordinator is the single entry point for API reads and writes.
// It classifies each request, runs the matching fetch strategy against the
// cache store and the backend, collapses concurrent identical calls into one
// network request and keeps track of background revalidations.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/metrics"
	"github.com/adakings/apicache/internal/strategies"
)

// Defaults for the timing knobs.
const (
	DefaultRefreshDelay    = 100 * time.Millisecond
	DefaultCleanupInterval = 10 * time.Minute
)

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClassifier sets the endpoint classifier. The default table is used
// otherwise.
func WithClassifier(cl *strategies.Classifier) Option {
	return func(c *Coordinator) { c.classifier.Store(cl) }
}

// WithPublisher sets the bus cache-updated and background-updated events go to.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithConnectivity sets the online signal. Without it the backend is
// always considered reachable.
func WithConnectivity(conn Connectivity) Option {
	return func(c *Coordinator) { c.conn = conn }
}

// WithRefreshDelay sets how long a background revalidation waits before
// calling the backend.
func WithRefreshDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.refreshDelay.Store(int64(d)) }
}

// WithCleanupInterval sets the expiry sweep period used by Start.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.cleanupInterval = d }
}

// Coordinator executes fetches. It is safe for concurrent use.
type Coordinator struct {
	store           cache.Cache
	fetcher         backend.Fetcher
	pub             events.Publisher
	conn            Connectivity
	classifier      atomic.Pointer[strategies.Classifier]
	refreshDelay    atomic.Int64
	cleanupInterval time.Duration

	sf      singleflight.Group
	mu      sync.Mutex
	pending map[string]int

	bgMu   sync.Mutex
	bg     map[string]struct{}
	bgWG   sync.WaitGroup
	loopWG sync.WaitGroup
	closed bool
	done   chan struct{}
}

// New returns a Coordinator reading and writing store and calling fetcher.
func New(store cache.Cache, fetcher backend.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		fetcher:         fetcher,
		pub:             events.Nop{},
		conn:            alwaysOnline{},
		cleanupInterval: DefaultCleanupInterval,
		pending:         make(map[string]int),
		bg:              make(map[string]struct{}),
		done:            make(chan struct{}),
	}
	c.refreshDelay.Store(int64(DefaultRefreshDelay))
	for _, opt := range opts {
		opt(c)
	}
	if c.classifier.Load() == nil {
		c.classifier.Store(strategies.NewClassifier(strategies.DefaultTable()))
	}
	return c
}

// Fetch runs req under the policy of its endpoint. GET requests follow the
// classified strategy; every other method goes straight to the backend and,
// on success, invalidates cached reads of the same collection.
//
// When the strategy fails, any cached entry for the key is returned with
// Stale set instead of the error. Network-only requests never read the
// cache, so their errors always propagate.
func (c *Coordinator) Fetch(ctx context.Context, req strategies.Request) (*strategies.Result, error) {
	start := time.Now()
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Key = cache.Key(req.Method, req.Endpoint, req.Params)
	policy := c.Policy(req.Method, req.Endpoint)

	strat, err := strategies.For(policy.Strategy)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	res, err := strat.Execute(ctx, env{c}, req, policy)
	if err != nil && policy.Strategy != strategies.KindNetworkOnly {
		if e, ok := c.store.Get(req.Key); ok {
			log.Warn("serving stale cache entry",
				"endpoint", req.Endpoint,
				"cached_at", e.Timestamp,
				"error", err.Error(),
			)
			res = &strategies.Result{
				Data:      e.Data,
				Key:       req.Key,
				Category:  policy.Category,
				Strategy:  policy.Strategy,
				FromCache: true,
				Stale:     true,
				CachedAt:  e.Timestamp,
			}
			err = nil
		}
	}

	metrics.FetchDuration.WithLabelValues(string(policy.Strategy)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(string(policy.Category), string(policy.Strategy), "error").Inc()
		log.Debug("fetch failed", "method", req.Method, "endpoint", req.Endpoint, "error", err.Error())
		return nil, err
	}
	metrics.FetchTotal.WithLabelValues(string(policy.Category), string(policy.Strategy), outcome(res)).Inc()

	if req.Method != http.MethodGet {
		if n := c.store.ClearFor(CollectionPath(req.Endpoint)); n > 0 {
			log.Debug("invalidated after write", "endpoint", req.Endpoint, "removed", n)
		}
	}
	return res, nil
}

// Policy returns the policy Fetch would apply to method and endpoint.
func (c *Coordinator) Policy(method, endpoint string) strategies.Policy {
	p := c.classifier.Load().Classify(endpoint)
	if m := strings.ToUpper(method); m != "" && m != http.MethodGet {
		p.Strategy = strategies.KindNetworkOnly
	}
	return p
}

// SetClassifier atomically replaces the classification table. In-flight
// fetches finish under the policy they started with.
func (c *Coordinator) SetClassifier(cl *strategies.Classifier) {
	c.classifier.Store(cl)
}

// Classifier returns the active classifier.
func (c *Coordinator) Classifier() *strategies.Classifier {
	return c.classifier.Load()
}

// SetRefreshDelay changes the delay applied to future background refreshes.
func (c *Coordinator) SetRefreshDelay(d time.Duration) {
	c.refreshDelay.Store(int64(d))
}

// Invalidate removes every entry whose key contains substr.
func (c *Coordinator) Invalidate(substr string) int {
	return c.store.ClearFor(substr)
}

// Clear empties the store.
func (c *Coordinator) Clear() {
	c.store.Clear()
}

// Sweep removes expired entries.
func (c *Coordinator) Sweep() int {
	return c.store.Sweep()
}

// Store returns the underlying cache store.
func (c *Coordinator) Store() cache.Cache {
	return c.store
}

// Online reports the connectivity signal the strategies see.
func (c *Coordinator) Online() bool {
	return c.conn.Online()
}

// Pending returns the number of callers currently waiting on a network
// call for the cache key.
func (c *Coordinator) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[key]
}

// Background returns the sorted keys of the background refreshes that are
// scheduled or running.
func (c *Coordinator) Background() []string {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	keys := make([]string, 0, len(c.bg))
	for k := range c.bg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every background refresh has finished.
func (c *Coordinator) Wait() {
	c.bgWG.Wait()
}

// Start launches the periodic expiry sweep. It stops when ctx is cancelled
// or Close is called. A non-positive interval disables the sweep.
func (c *Coordinator) Start(ctx context.Context) {
	if c.cleanupInterval <= 0 {
		return
	}
	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		log := logging.Component("coordinator")
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				if n := c.store.Sweep(); n > 0 {
					log.Debug("expired entries swept", "removed", n)
				}
			}
		}
	}()
}

// Close stops the sweep, cancels refreshes that have not started their
// network call yet and waits for the rest to finish.
func (c *Coordinator) Close() {
	c.bgMu.Lock()
	if c.closed {
		c.bgMu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.bgMu.Unlock()
	c.loopWG.Wait()
	c.bgWG.Wait()
}

// call performs one backend request, failing fast while offline.
func (c *Coordinator) call(ctx context.Context, req strategies.Request) (json.RawMessage, error) {
	if !c.conn.Online() {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, backend.ErrNetworkUnavailable)
	}
	return c.fetcher.Do(ctx, req.Method, req.Endpoint, req.Params, req.Body)
}

// shared runs fn once per sfKey among concurrent callers. The network call
// is detached from the first caller's cancellation so that one caller
// giving up does not fail the others; each caller still stops waiting when
// its own ctx ends.
func (c *Coordinator) shared(ctx context.Context, sfKey, cacheKey string, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	c.mu.Lock()
	c.pending[cacheKey]++
	ch := c.sf.DoChan(sfKey, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending[cacheKey]--; c.pending[cacheKey] <= 0 {
			delete(c.pending, cacheKey)
		}
		c.mu.Unlock()
	}()

	select {
	case r := <-ch:
		if r.Shared {
			metrics.DedupShared.Inc()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) fetchAndCache(ctx context.Context, req strategies.Request, policy strategies.Policy) (json.RawMessage, error) {
	return c.shared(ctx, "cache:"+req.Key, req.Key, func(ctx context.Context) (json.RawMessage, error) {
		data, err := c.call(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store.Set(req.Key, data, policy.Category)
		c.pub.Publish(events.Event{
			Type:     events.CacheUpdated,
			Endpoint: req.Endpoint,
			CacheKey: req.Key,
			Data:     data,
		})
		return data, nil
	})
}

func (c *Coordinator) fetch(ctx context.Context, req strategies.Request) (json.RawMessage, error) {
	if req.Method != http.MethodGet {
		return c.call(ctx, req)
	}
	return c.shared(ctx, "net:"+req.Key, req.Key, func(ctx context.Context) (json.RawMessage, error) {
		return c.call(ctx, req)
	})
}

// revalidate schedules a detached refresh of req. At most one refresh per
// key is scheduled at a time.
func (c *Coordinator) revalidate(req strategies.Request, policy strategies.Policy) {
	c.bgMu.Lock()
	if c.closed {
		c.bgMu.Unlock()
		return
	}
	if _, ok := c.bg[req.Key]; ok {
		c.bgMu.Unlock()
		return
	}
	c.bg[req.Key] = struct{}{}
	c.bgWG.Add(1)
	c.bgMu.Unlock()

	delay := time.Duration(c.refreshDelay.Load())
	go func() {
		defer func() {
			c.bgMu.Lock()
			delete(c.bg, req.Key)
			c.bgMu.Unlock()
			c.bgWG.Done()
		}()

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.done:
				timer.Stop()
				return
			}
		}

		log := logging.Component("coordinator")
		ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())
		data, err := c.fetchAndCache(ctx, req, policy)
		if err != nil {
			metrics.BackgroundRefresh.WithLabelValues("error").Inc()
			log.Warn("background refresh failed", "endpoint", req.Endpoint, "error", err.Error())
			return
		}
		metrics.BackgroundRefresh.WithLabelValues("success").Inc()
		c.pub.Publish(events.Event{
			Type:     events.BackgroundUpdated,
			Endpoint: req.Endpoint,
			CacheKey: req.Key,
			Data:     data,
		})
	}()
}

// CollectionPath returns the resource collection an endpoint belongs to,
// e.g. /api/orders/ for /api/orders/12/. Writes invalidate every cached
// read containing it.
func CollectionPath(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	segs := strings.Split(strings.Trim(endpoint, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return ""
	}
	n := 1
	if segs[0] == "api" && len(segs) > 1 {
		n = 2
	}
	return "/" + strings.Join(segs[:n], "/") + "/"
}

func outcome(res *strategies.Result) string {
	switch {
	case res.Stale:
		return "stale"
	case res.Offline:
		return "offline"
	case res.Fallback:
		return "fallback"
	case res.FromCache:
		return "hit"
	default:
		return "network"
	}
}

// IsNetworkError reports whether err means the backend could not be reached.
func IsNetworkError(err error) bool {
	return errors.Is(err, backend.ErrNetworkUnavailable) || errors.Is(err, backend.ErrCircuitOpen)
}
