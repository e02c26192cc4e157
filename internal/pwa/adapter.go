package pwa

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Platform event names understood by the Adapter.
const (
	EventBeforeInstallPrompt = "beforeinstallprompt"
	EventAppInstalled        = "appinstalled"
	EventResize              = "resize"
	EventDisplayModeChange   = "display-mode-change"
)

// PlatformEvent is one platform signal. Standalone carries the display-mode
// media query result for resize and display-mode-change events.
type PlatformEvent struct {
	Type       string `json:"type"`
	Standalone bool   `json:"standalone,omitempty"`
	Prompt     Prompt `json:"-"`
}

// Adapter translates platform events into Lifecycle transitions.
type Adapter struct {
	lc *Lifecycle
	// displayMode, when set, is queried on resize instead of trusting the
	// event payload.
	displayMode func() bool
}

// NewAdapter returns an Adapter driving lc. displayMode may be nil.
func NewAdapter(lc *Lifecycle, displayMode func() bool) *Adapter {
	return &Adapter{lc: lc, displayMode: displayMode}
}

// Handle applies ev.
func (a *Adapter) Handle(ev PlatformEvent) error {
	switch ev.Type {
	case EventBeforeInstallPrompt:
		if ev.Prompt == nil {
			return errors.New("beforeinstallprompt without a prompt")
		}
		a.lc.BeforeInstallPrompt(ev.Prompt)
	case EventAppInstalled:
		a.lc.AppInstalled()
	case EventResize:
		standalone := ev.Standalone
		if a.displayMode != nil {
			standalone = a.displayMode()
		}
		a.lc.SetDisplayMode(standalone)
	case EventDisplayModeChange:
		a.lc.SetDisplayMode(ev.Standalone)
	default:
		return fmt.Errorf("unknown platform event %q", ev.Type)
	}
	return nil
}

// ErrPromptAnswered is returned by Resolve when the prompt already has an
// answer.
var ErrPromptAnswered = errors.New("install prompt already answered")

// DeferredPrompt is a Prompt answered out of band: Show blocks until
// Resolve delivers the user's choice.
type DeferredPrompt struct {
	once   sync.Once
	choice chan Outcome
	shown  chan struct{}
	shownO sync.Once
}

// NewDeferredPrompt returns an unanswered prompt.
func NewDeferredPrompt() *DeferredPrompt {
	return &DeferredPrompt{
		choice: make(chan Outcome, 1),
		shown:  make(chan struct{}),
	}
}

// Show implements Prompt.
func (p *DeferredPrompt) Show(ctx context.Context) (Outcome, error) {
	p.shownO.Do(func() { close(p.shown) })
	select {
	case o := <-p.choice:
		return o, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shown is closed once Show has been called.
func (p *DeferredPrompt) Shown() <-chan struct{} {
	return p.shown
}

// Resolve answers the prompt. Only the first answer counts.
func (p *DeferredPrompt) Resolve(o Outcome) error {
	if o != OutcomeAccepted && o != OutcomeDismissed {
		return fmt.Errorf("invalid install outcome %q", o)
	}
	err := ErrPromptAnswered
	p.once.Do(func() {
		p.choice <- o
		err = nil
	})
	return err
}
