// Package apicache is a client-side caching layer for the AdaKings REST
// API together with the PWA install and update lifecycle of the
// restaurant app.
//
// The Service type is the main entry point: create one with New, call
// Start to launch the expiry sweep and health probes, and issue requests
// with Fetch. Each endpoint is classified into a category (essential,
// frequent, realtime or default) which picks its freshness window and
// fetch strategy (cache-first, network-first or network-only).
//
// Behaviour is configured via [Config] which can be loaded from a YAML or
// JSON file using [LoadConfig] and reloaded at runtime with
// [Service.ReloadConfig] or [WatchConfig].
package apicache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/circuitbreaker"
	"github.com/adakings/apicache/internal/connectivity"
	"github.com/adakings/apicache/internal/coordinator"
	"github.com/adakings/apicache/internal/eventlog"
	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/metrics"
	"github.com/adakings/apicache/internal/pwa"
	"github.com/adakings/apicache/internal/strategies"
)

// Aliases for the types callers exchange with the Service.
type (
	// Request is one backend call: method, endpoint, query params and body.
	Request = strategies.Request
	// Result is the returned data plus how it was obtained.
	Result = strategies.Result
	// Policy is the category, max age and strategy of an endpoint.
	Policy = strategies.Policy
	// Event is a bus notification.
	Event = events.Event
	// Subscriber receives bus events.
	Subscriber = events.Subscriber
)

// Option customises a Service.
type Option func(*options)

type options struct {
	fetcher     backend.Fetcher
	httpClient  *http.Client
	now         func() time.Time
	reload      func()
	journal     eventlog.Store
	displayMode func() bool
}

// WithFetcher replaces the HTTP backend client. The backend section of the
// config is then only used for validation.
func WithFetcher(f backend.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithHTTPClient sets the http.Client the backend client is built on.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithClock sets the time source of the cache store and circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithReload sets the hook called once when an accepted update takes over.
func WithReload(fn func()) Option {
	return func(o *options) { o.reload = fn }
}

// WithEventStore journals bus events to s instead of the store named by
// the eventlog config. The Service does not close s.
func WithEventStore(s eventlog.Store) Option {
	return func(o *options) { o.journal = s }
}

// WithDisplayMode sets the display-mode query the PWA adapter consults on
// resize events.
func WithDisplayMode(fn func() bool) Option {
	return func(o *options) { o.displayMode = fn }
}

// Service ties the cache store, the fetch coordinator, connectivity and
// the PWA lifecycle together. It is safe for concurrent use.
type Service struct {
	mu  sync.RWMutex
	cfg Config

	bus        *events.Bus
	store      *cache.Memory
	coord      *coordinator.Coordinator
	conn       *connectivity.Monitor
	client     *backend.Client
	breaker    *circuitbreaker.CircuitBreaker
	lifecycle  *pwa.Lifecycle
	adapter    *pwa.Adapter
	notifier   *pwa.Notifier
	dispatcher *pwa.Dispatcher

	journal      eventlog.Store
	ownsJournal  bool
	recorder     *eventlog.Recorder
	unsubscribes []func()

	startMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates a Service from cfg.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, bus: events.NewBus()}

	storeOpts := []cache.Option{
		cache.WithMaxAges(table.MaxAges()),
		cache.WithPublisher(s.bus),
	}
	if o.now != nil {
		storeOpts = append(storeOpts, cache.WithClock(o.now))
	}
	s.store = cache.NewMemory(storeOpts...)
	s.conn = connectivity.New(s.bus)

	fetcher := o.fetcher
	if fetcher == nil {
		if cb := cfg.Backend.CircuitBreaker; cb != nil {
			s.breaker = circuitbreaker.New(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout.Std()).
				OnStateChange(func(st circuitbreaker.State) {
					metrics.BreakerState.Set(float64(st))
					logging.Component("backend").Warn("circuit breaker state changed", "state", st.String())
				})
			if o.now != nil {
				s.breaker.WithClock(o.now)
			}
		}
		s.client, err = backend.New(backend.Options{
			BaseURL:    cfg.Backend.BaseURL,
			Token:      cfg.Backend.Token,
			Timeout:    cfg.Backend.Timeout.Std(),
			HealthPath: cfg.Backend.HealthPath,
			Breaker:    s.breaker,
			HTTPClient: o.httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("backend client: %w", err)
		}
		fetcher = s.client
	}

	cleanup := cfg.Cache.CleanupInterval.Std()
	if cleanup == 0 {
		cleanup = coordinator.DefaultCleanupInterval
	}
	s.coord = coordinator.New(s.store, fetcher,
		coordinator.WithClassifier(strategies.NewClassifier(table)),
		coordinator.WithPublisher(s.bus),
		coordinator.WithConnectivity(s.conn),
		coordinator.WithRefreshDelay(refreshDelay(cfg)),
		coordinator.WithCleanupInterval(cleanup),
	)

	s.lifecycle = pwa.NewLifecycle(s.bus)
	s.adapter = pwa.NewAdapter(s.lifecycle, o.displayMode)
	var nopts []pwa.NotifierOption
	if d := cfg.PWA.UpdateTimeout.Std(); d > 0 {
		nopts = append(nopts, pwa.WithUpdateTimeout(d))
	}
	s.notifier = pwa.NewNotifier(s.bus, o.reload, nopts...)
	s.dispatcher = pwa.NewDispatcher(s.store, func(context.Context) error {
		s.notifier.ControllerChanged()
		return nil
	})

	switch {
	case o.journal != nil:
		s.journal = o.journal
	case cfg.EventLog.Enabled:
		w, err := eventlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN)
		if err != nil {
			s.coord.Close()
			if s.client != nil {
				_ = s.client.Close()
			}
			return nil, fmt.Errorf("event log: %w", err)
		}
		s.journal = w
		s.ownsJournal = true
	}
	if s.journal != nil {
		s.recorder = eventlog.NewRecorder(s.journal, eventlog.DefaultBuffer)
		s.unsubscribes = append(s.unsubscribes, s.bus.Subscribe(s.recorder.Record))
	}

	return s, nil
}

func refreshDelay(cfg Config) time.Duration {
	if d := cfg.Cache.BackgroundRefreshDelay; d != nil {
		return d.Std()
	}
	return coordinator.DefaultRefreshDelay
}

// Start launches the expiry sweep and, when backend.probe_interval is set,
// the health probe loop. Both stop when ctx is cancelled or the Service is
// closed. Calling Start more than once is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.cancel != nil || s.closed.Load() {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.coord.Start(ctx)

	interval := s.Config().Backend.ProbeInterval.Std()
	if s.client != nil && interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.conn.Run(ctx, s.client, interval)
		}()
	}
}

// Fetch issues req under the policy of its endpoint.
func (s *Service) Fetch(ctx context.Context, req Request) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.coord.Fetch(ctx, req)
}

// Get is Fetch for a GET request.
func (s *Service) Get(ctx context.Context, endpoint string, params map[string]any) (*Result, error) {
	return s.Fetch(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Params: params})
}

// Subscribe registers fn for every bus event and returns its unsubscribe
// function.
func (s *Service) Subscribe(fn Subscriber) func() {
	return s.bus.Subscribe(fn)
}

// Clear drops every cached entry.
func (s *Service) Clear() {
	s.coord.Clear()
}

// Invalidate drops every entry whose key contains substr and returns how
// many were removed.
func (s *Service) Invalidate(substr string) int {
	return s.coord.Invalidate(substr)
}

// Sweep removes expired entries now.
func (s *Service) Sweep() int {
	return s.coord.Sweep()
}

// Wait blocks until every scheduled background refresh has finished.
func (s *Service) Wait() {
	s.coord.Wait()
}

// Stats summarises the cache store.
func (s *Service) Stats() cache.Stats {
	return s.store.Stats()
}

// Entries returns a copy of every cached entry.
func (s *Service) Entries() []cache.Entry {
	return s.store.Entries()
}

// Policy returns how a request would be served.
func (s *Service) Policy(method, endpoint string) Policy {
	return s.coord.Policy(method, endpoint)
}

// Table returns the classification table in effect.
func (s *Service) Table() strategies.Table {
	return s.coord.Classifier().Table()
}

// Status is a point-in-time view of the whole service.
type Status struct {
	Online     bool             `json:"online"`
	Entries    int              `json:"entries"`
	Expired    int              `json:"expired"`
	Bytes      int              `json:"bytes"`
	Background []string         `json:"background_refreshes"`
	Breaker    string           `json:"circuit_breaker,omitempty"`
	Install    pwa.Snapshot     `json:"install"`
	Update     pwa.UpdateStatus `json:"update"`

	// EventsDropped counts events the journal queue discarded.
	EventsDropped int64 `json:"events_dropped"`
}

// Status reports the current state.
func (s *Service) Status() Status {
	st := s.store.Stats()
	out := Status{
		Online:     s.conn.Online(),
		Entries:    st.Entries,
		Expired:    st.Expired,
		Bytes:      st.Bytes,
		Background: s.coord.Background(),
		Install:    s.lifecycle.Snapshot(),
		Update:     s.notifier.Status(),
	}
	if s.breaker != nil {
		out.Breaker = s.breaker.State().String()
	}
	if s.recorder != nil {
		out.EventsDropped = s.recorder.Dropped()
	}
	return out
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ReloadConfig applies the cache section of cfg: classification rules,
// category max ages and the refresh delay. Entries already cached keep
// the max age they were stored with. Backend, server and event log
// changes need a restart.
func (s *Service) ReloadConfig(cfg Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	table, err := cfg.Table()
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.coord.SetClassifier(strategies.NewClassifier(table))
	s.store.SetMaxAges(table.MaxAges())
	s.coord.SetRefreshDelay(refreshDelay(cfg))

	log := logging.Component("apicache")
	if prev.Backend.BaseURL != cfg.Backend.BaseURL || prev.Backend.Token != cfg.Backend.Token {
		log.Warn("backend settings changed; restart to apply")
	}
	if prev.EventLog != cfg.EventLog {
		log.Warn("eventlog settings changed; restart to apply")
	}
	log.Info("config reloaded", "rules", len(table.Rules))
	return nil
}

// Online reports whether the backend is believed reachable.
func (s *Service) Online() bool {
	return s.conn.Online()
}

// SetOnline forces the connectivity state.
func (s *Service) SetOnline(online bool) {
	s.conn.SetOnline(online)
}

// Probe checks backend health once and updates the connectivity state. It
// is a no-op when a custom fetcher is installed.
func (s *Service) Probe(ctx context.Context) {
	if s.client == nil {
		return
	}
	s.conn.Probe(ctx, s.client, s.Config().Backend.Timeout.Std())
}

// Lifecycle returns the PWA install state machine.
func (s *Service) Lifecycle() *pwa.Lifecycle {
	return s.lifecycle
}

// Notifier returns the update notifier.
func (s *Service) Notifier() *pwa.Notifier {
	return s.notifier
}

// HandlePlatformEvent feeds a platform signal (beforeinstallprompt,
// appinstalled, resize, display-mode-change) to the PWA lifecycle.
func (s *Service) HandlePlatformEvent(ev pwa.PlatformEvent) error {
	return s.adapter.Handle(ev)
}

// Install shows the captured install prompt.
func (s *Service) Install(ctx context.Context) (bool, error) {
	return s.lifecycle.Install(ctx)
}

// WorkerStateChanged records a service-worker state change. Messages to
// the worker are answered in-process.
func (s *Service) WorkerStateChanged(id string, state pwa.WorkerState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown worker state %q", state)
	}
	s.notifier.WorkerStateChanged(id, state, pwa.DispatchWorker{D: s.dispatcher})
	return nil
}

// SetController records whether the page is controlled by a worker.
func (s *Service) SetController(present bool) {
	s.notifier.SetController(present)
}

// AcceptUpdate activates the waiting worker and reloads once.
func (s *Service) AcceptUpdate(ctx context.Context) error {
	return s.notifier.Accept(ctx)
}

// DismissUpdate hides the update notice.
func (s *Service) DismissUpdate() {
	s.notifier.Dismiss()
}

// Dispatch answers a service-worker message.
func (s *Service) Dispatch(ctx context.Context, m pwa.Message) (pwa.Reply, error) {
	return s.dispatcher.Dispatch(ctx, m)
}

// EventLog returns the event journal, or nil when journaling is disabled.
func (s *Service) EventLog() eventlog.Store {
	return s.journal
}

// Close stops the background loops, waits for pending refreshes, flushes
// the event journal and releases the backend client.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.startMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.startMu.Unlock()

	s.coord.Close()
	s.wg.Wait()

	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	var firstErr error
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.ownsJournal {
		if err := s.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
