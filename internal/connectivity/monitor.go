// Package connectivity tracks whether the REST backend is reachable. It is
// the server-side stand-in for the browser's online/offline signal: state
// changes are published on the bus as network-restored / network-lost.
package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/metrics"
)

// Pinger checks backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online flag. The zero value is not usable; use New.
type Monitor struct {
	online atomic.Bool
	pub    events.Publisher
}

// New returns a Monitor that starts online.
func New(pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Nop{}
	}
	m := &Monitor{pub: pub}
	m.online.Store(true)
	metrics.Online.Set(1)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline forces the state. A transition publishes network-restored or
// network-lost; setting the current value again is a no-op.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	log := logging.Component("connectivity")
	if online {
		metrics.Online.Set(1)
		log.Info("backend reachable")
		m.pub.Publish(events.Event{Type: events.NetworkRestored})
		return
	}
	metrics.Online.Set(0)
	log.Warn("backend unreachable")
	m.pub.Publish(events.Event{Type: events.NetworkLost})
}

// Probe pings once and updates the state from the result. Only a failure
// to reach the backend marks it offline; an error status from the health
// endpoint is logged and leaves the backend online.
func (m *Monitor) Probe(ctx context.Context, p Pinger, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := p.Ping(ctx)
	if err != nil && ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Caller shut down mid-probe; that says nothing about the backend.
		return
	}
	var he *backend.HTTPError
	if errors.As(err, &he) {
		// The backend answered, so it is reachable even if unhealthy.
		logging.Component("connectivity").Warn("health check returned an error status", "status", he.StatusCode)
		m.SetOnline(true)
		return
	}
	if err != nil {
		logging.Component("connectivity").Debug("health probe failed", "error", err.Error())
	}
	m.SetOnline(err == nil)
}

// Run probes every interval until ctx is cancelled. A non-positive interval
// disables probing and Run returns immediately.
func (m *Monitor) Run(ctx context.Context, p Pinger, interval time.Duration) {
	if interval <= 0 || p == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Probe(ctx, p, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx, p, interval)
		}
	}
}
