package pwa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
)

// DefaultUpdateTimeout bounds the wait for the controller change after
// SKIP_WAITING has been sent.
const DefaultUpdateTimeout = 5 * time.Second

// WorkerState is a service-worker lifecycle state.
type WorkerState string

// Worker states in lifecycle order.
const (
	WorkerInstalling WorkerState = "installing"
	WorkerInstalled  WorkerState = "installed"
	WorkerWaiting    WorkerState = "waiting"
	WorkerActivating WorkerState = "activating"
	WorkerActivated  WorkerState = "activated"
	WorkerRedundant  WorkerState = "redundant"
)

// Valid reports whether s is a known state.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerInstalling, WorkerInstalled, WorkerWaiting, WorkerActivating, WorkerActivated, WorkerRedundant:
		return true
	}
	return false
}

// Worker receives messages posted to a service worker.
type Worker interface {
	PostMessage(ctx context.Context, m Message) error
}

// Errors returned by Notifier.Accept.
var (
	ErrNoUpdate         = errors.New("no update waiting")
	ErrUpdateInProgress = errors.New("update already in progress")
)

// UpdateStatus is a consistent view of the notifier.
type UpdateStatus struct {
	Available  bool   `json:"available"`
	Updating   bool   `json:"updating"`
	Dismissed  bool   `json:"dismissed"`
	Controlled bool   `json:"controlled"`
	WaitingID  string `json:"waiting_id,omitempty"`
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithUpdateTimeout overrides DefaultUpdateTimeout.
func WithUpdateTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// Notifier watches service-worker state changes and coordinates activating
// a waiting update.
type Notifier struct {
	mu         sync.Mutex
	controlled bool
	waitingID  string
	waiting    Worker
	available  bool
	dismissed  bool
	updating   bool
	changed    chan struct{}

	// A worker that starts waiting while Accept runs is held here and
	// offered once the current activation finishes or aborts.
	queuedID string
	queued   Worker

	timeout time.Duration
	reload  func()
	pub     events.Publisher
}

// NewNotifier returns a Notifier that calls reload once per accepted update.
func NewNotifier(pub events.Publisher, reload func(), opts ...NotifierOption) *Notifier {
	if pub == nil {
		pub = events.Nop{}
	}
	if reload == nil {
		reload = func() {}
	}
	n := &Notifier{timeout: DefaultUpdateTimeout, reload: reload, pub: pub}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetController records whether the page is currently controlled by a
// worker. A worker that finishes installing without a controller is the
// first install, not an update.
func (n *Notifier) SetController(present bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.controlled = present
}

// WorkerStateChanged records a state change of worker id.
func (n *Notifier) WorkerStateChanged(id string, state WorkerState, w Worker) {
	log := logging.Component("pwa")

	n.mu.Lock()
	switch state {
	case WorkerInstalled, WorkerWaiting:
		if !n.controlled {
			n.mu.Unlock()
			log.Info("service worker installed for the first time", "worker", id)
			return
		}
		if n.updating {
			if id != n.waitingID {
				n.queuedID = id
				n.queued = w
				log.Info("update queued behind the activation in progress", "worker", id, "activating", n.waitingID)
			}
			n.mu.Unlock()
			return
		}
		n.waitingID = id
		n.waiting = w
		n.available = true
		n.dismissed = false
		n.mu.Unlock()
		log.Info("update available", "worker", id)
		n.pub.Publish(events.Event{Type: events.UpdateAvailable, Detail: id})
		return
	case WorkerActivated:
		n.controlled = true
	case WorkerRedundant:
		if id == n.queuedID {
			n.queuedID = ""
			n.queued = nil
		}
		if id == n.waitingID && !n.updating {
			n.waitingID = ""
			n.waiting = nil
			n.available = false
		}
	}
	n.mu.Unlock()
}

// Dismiss hides the update notice until the next worker is waiting.
func (n *Notifier) Dismiss() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed = true
}

// Status returns the current state.
func (n *Notifier) Status() UpdateStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return UpdateStatus{
		Available:  n.available,
		Updating:   n.updating,
		Dismissed:  n.dismissed,
		Controlled: n.controlled,
		WaitingID:  n.waitingID,
	}
}

// ControllerChanged signals that a new worker took control of the page.
// Outside of Accept it means the waiting worker was activated elsewhere.
func (n *Notifier) ControllerChanged() {
	n.mu.Lock()
	n.controlled = true
	if n.changed != nil {
		close(n.changed)
		n.changed = nil
		n.mu.Unlock()
		return
	}
	id := n.waitingID
	activated := !n.updating && id != ""
	if activated {
		n.waitingID = ""
		n.waiting = nil
		n.available = false
	}
	n.mu.Unlock()
	if activated {
		n.pub.Publish(events.Event{Type: events.UpdateActivated, Detail: id})
	}
}

// Accept activates the waiting worker: it posts SKIP_WAITING, waits for the
// controller change or the update timeout, then reloads exactly once.
// Cancelling ctx before the reload aborts the update and leaves the worker
// waiting.
func (n *Notifier) Accept(ctx context.Context) error {
	n.mu.Lock()
	if n.updating {
		n.mu.Unlock()
		return ErrUpdateInProgress
	}
	if !n.available || n.waiting == nil {
		n.mu.Unlock()
		return ErrNoUpdate
	}
	n.updating = true
	changed := make(chan struct{})
	n.changed = changed
	w, id := n.waiting, n.waitingID
	n.mu.Unlock()

	log := logging.FromContext(ctx)
	if err := w.PostMessage(ctx, Message{Type: MessageSkipWaiting}); err != nil {
		n.abort(ctx)
		return fmt.Errorf("post %s: %w", MessageSkipWaiting, err)
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
		log.Warn("controller change not observed, reloading anyway", "worker", id, "timeout", n.timeout)
	case <-ctx.Done():
		n.abort(ctx)
		return ctx.Err()
	}

	n.mu.Lock()
	n.updating = false
	n.available = false
	n.dismissed = false
	n.waiting = nil
	n.waitingID = ""
	n.changed = nil
	next := n.promoteLocked()
	n.mu.Unlock()

	n.reload()
	log.Info("update activated", "worker", id)
	n.pub.Publish(events.Event{Type: events.UpdateActivated, Detail: id})
	n.announce(ctx, next)
	return nil
}

// abort ends an Accept that did not reload. A worker queued meanwhile
// replaces the one that was being activated.
func (n *Notifier) abort(ctx context.Context) {
	n.mu.Lock()
	n.updating = false
	n.changed = nil
	next := n.promoteLocked()
	n.mu.Unlock()
	n.announce(ctx, next)
}

// promoteLocked moves the queued worker to waiting and returns its id, or
// "" when nothing was queued.
func (n *Notifier) promoteLocked() string {
	if n.queued == nil {
		return ""
	}
	id := n.queuedID
	n.waitingID = id
	n.waiting = n.queued
	n.available = true
	n.dismissed = false
	n.queuedID = ""
	n.queued = nil
	return id
}

func (n *Notifier) announce(ctx context.Context, id string) {
	if id == "" {
		return
	}
	logging.FromContext(ctx).Info("update available", "worker", id)
	n.pub.Publish(events.Event{Type: events.UpdateAvailable, Detail: id})
}
