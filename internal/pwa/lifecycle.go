// Package pwa models the installable-app side of the client: the install
// state machine, the adapter that feeds it platform events, the update
// notifier coordinating service-worker activation and the worker message
// protocol.
package pwa

import (
	"context"
	"fmt"
	"sync"

	"github.com/adakings/apicache/internal/events"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/metrics"
)

// InstallState is the installability of the app.
type InstallState int

const (
	// StateBrowser: not installed and no install prompt captured.
	StateBrowser InstallState = iota
	// StateInstallable: an install prompt was captured and can be shown.
	StateInstallable
	// StateInstalled: the app was installed.
	StateInstalled
)

// String implements fmt.Stringer.
func (s InstallState) String() string {
	switch s {
	case StateBrowser:
		return "browser"
	case StateInstallable:
		return "installable"
	case StateInstalled:
		return "installed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s InstallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the user's answer to an install prompt.
type Outcome string

// Prompt outcomes.
const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

// Prompt is a captured install prompt. Show displays it and blocks until
// the user answers or ctx ends.
type Prompt interface {
	Show(ctx context.Context) (Outcome, error)
}

// Snapshot is a consistent view of the lifecycle.
type Snapshot struct {
	State      InstallState `json:"state"`
	Standalone bool         `json:"standalone"`
	Installed  bool         `json:"installed"`
	CanInstall bool         `json:"can_install"`
}

// Lifecycle is the install/display-mode state machine. Standalone is
// tracked separately from State: an installed app relaunched in a browser
// tab is installed but not standalone.
type Lifecycle struct {
	mu         sync.Mutex
	state      InstallState
	standalone bool
	prompt     Prompt
	pub        events.Publisher
}

// NewLifecycle returns a Lifecycle in the browser state.
func NewLifecycle(pub events.Publisher) *Lifecycle {
	if pub == nil {
		pub = events.Nop{}
	}
	metrics.InstallState.Set(float64(StateBrowser))
	return &Lifecycle{pub: pub}
}

// BeforeInstallPrompt captures p. From the browser state the app becomes
// installable; an installed app ignores the prompt.
func (l *Lifecycle) BeforeInstallPrompt(p Prompt) {
	l.mu.Lock()
	if l.state == StateInstalled {
		l.mu.Unlock()
		return
	}
	l.prompt = p
	from := l.state
	l.state = StateInstallable
	l.mu.Unlock()
	l.changed(from, StateInstallable)
}

// AppInstalled records a completed installation and drops any captured
// prompt.
func (l *Lifecycle) AppInstalled() {
	l.mu.Lock()
	from := l.state
	l.state = StateInstalled
	l.prompt = nil
	l.mu.Unlock()
	l.changed(from, StateInstalled)
}

// SetDisplayMode applies the display-mode signal. Running standalone
// implies the app is installed.
func (l *Lifecycle) SetDisplayMode(standalone bool) {
	l.mu.Lock()
	from := l.state
	l.standalone = standalone
	if standalone {
		l.state = StateInstalled
		l.prompt = nil
	}
	to := l.state
	l.mu.Unlock()
	l.changed(from, to)
}

// Install shows the captured prompt and reports whether the user accepted.
// Without a captured prompt it returns false immediately. The prompt is
// consumed in every case.
func (l *Lifecycle) Install(ctx context.Context) (bool, error) {
	l.mu.Lock()
	p := l.prompt
	l.prompt = nil
	l.mu.Unlock()
	if p == nil {
		return false, nil
	}

	outcome, err := p.Show(ctx)
	log := logging.FromContext(ctx)

	l.mu.Lock()
	from := l.state
	switch {
	case err == nil && outcome == OutcomeAccepted:
		l.state = StateInstalled
	case l.state == StateInstallable && l.prompt == nil:
		l.state = StateBrowser
	}
	to := l.state
	l.mu.Unlock()
	l.changed(from, to)

	if err != nil {
		log.Warn("install prompt failed", "error", err.Error())
		return false, fmt.Errorf("install prompt: %w", err)
	}
	log.Info("install prompt answered", "outcome", string(outcome))
	return outcome == OutcomeAccepted, nil
}

// State returns the install state.
func (l *Lifecycle) State() InstallState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Standalone reports whether the app currently runs in its own window.
func (l *Lifecycle) Standalone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.standalone
}

// Snapshot returns the current state.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		State:      l.state,
		Standalone: l.standalone,
		Installed:  l.state == StateInstalled || l.standalone,
		CanInstall: l.prompt != nil,
	}
}

func (l *Lifecycle) changed(from, to InstallState) {
	if from == to {
		return
	}
	metrics.InstallState.Set(float64(to))
	logging.Component("pwa").Info("install state changed", "from", from.String(), "to", to.String())
	l.pub.Publish(events.Event{Type: events.InstallStateChanged, Detail: to.String()})
}
