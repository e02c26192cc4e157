package pwa

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adakings/apicache/internal/events"
)

type fakeWorker struct {
	mu       sync.Mutex
	messages []Message
	err      error
	onPost   func()
}

func (w *fakeWorker) PostMessage(_ context.Context, m Message) error {
	w.mu.Lock()
	w.messages = append(w.messages, m)
	err, hook := w.err, w.onPost
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func newWaitingNotifier(t *testing.T, rec *recorder, reload func(), w Worker, opts ...NotifierOption) *Notifier {
	t.Helper()
	n := NewNotifier(rec, reload, opts...)
	n.SetController(true)
	n.WorkerStateChanged("sw-2", WorkerInstalling, w)
	n.WorkerStateChanged("sw-2", WorkerWaiting, w)
	if !n.Status().Available {
		t.Fatal("update must be available once the new worker waits")
	}
	return n
}

func TestNotifier_FirstInstallIsNotAnUpdate(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec, nil)
	n.WorkerStateChanged("sw-1", WorkerInstalled, &fakeWorker{})
	if n.Status().Available {
		t.Error("first install must not report an update")
	}
	if len(rec.details(events.UpdateAvailable)) != 0 {
		t.Error("unexpected update-available event")
	}
	n.WorkerStateChanged("sw-1", WorkerActivated, nil)
	if !n.Status().Controlled {
		t.Error("activated worker must control the page")
	}
}

func TestNotifier_AcceptOnControllerChange(t *testing.T) {
	rec := &recorder{}
	var reloads atomic.Int32
	w := &fakeWorker{}
	n := newWaitingNotifier(t, rec, func() { reloads.Add(1) }, w, WithUpdateTimeout(time.Minute))
	w.onPost = n.ControllerChanged

	if err := n.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if reloads.Load() != 1 {
		t.Errorf("reloads = %d, want 1", reloads.Load())
	}
	if len(w.messages) != 1 || w.messages[0].Type != MessageSkipWaiting {
		t.Errorf("messages = %+v", w.messages)
	}
	st := n.Status()
	if st.Available || st.Updating {
		t.Errorf("status = %+v", st)
	}
	if got := rec.details(events.UpdateAvailable); len(got) != 1 || got[0] != "sw-2" {
		t.Errorf("update-available = %v", got)
	}
	if got := rec.details(events.UpdateActivated); len(got) != 1 {
		t.Errorf("update-activated = %v", got)
	}

	// A late controller change must not reload again.
	n.ControllerChanged()
	if reloads.Load() != 1 {
		t.Errorf("reloads = %d after late controller change", reloads.Load())
	}
}

func TestNotifier_AcceptTimeoutStillReloads(t *testing.T) {
	var reloads atomic.Int32
	n := newWaitingNotifier(t, &recorder{}, func() { reloads.Add(1) }, &fakeWorker{}, WithUpdateTimeout(20*time.Millisecond))

	start := time.Now()
	if err := n.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Accept returned before the safety timeout")
	}
	if reloads.Load() != 1 {
		t.Errorf("reloads = %d, want 1", reloads.Load())
	}
	if n.Status().Updating {
		t.Error("notifier stuck in updating state")
	}
}

func TestNotifier_AcceptWithoutUpdate(t *testing.T) {
	n := NewNotifier(nil, nil)
	if err := n.Accept(context.Background()); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("Accept = %v, want ErrNoUpdate", err)
	}
}

func TestNotifier_AcceptInProgress(t *testing.T) {
	w := &fakeWorker{}
	n := newWaitingNotifier(t, &recorder{}, nil, w, WithUpdateTimeout(time.Minute))
	entered := make(chan struct{})
	release := make(chan struct{})
	w.onPost = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- n.Accept(context.Background()) }()
	<-entered

	if err := n.Accept(context.Background()); !errors.Is(err, ErrUpdateInProgress) {
		t.Errorf("second Accept = %v, want ErrUpdateInProgress", err)
	}
	n.ControllerChanged()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Accept: %v", err)
	}
}

func TestNotifier_PostFailureResets(t *testing.T) {
	var reloads atomic.Int32
	w := &fakeWorker{err: errors.New("worker gone")}
	n := newWaitingNotifier(t, &recorder{}, func() { reloads.Add(1) }, w)

	if err := n.Accept(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	st := n.Status()
	if st.Updating || !st.Available {
		t.Errorf("status = %+v", st)
	}
	if reloads.Load() != 0 {
		t.Error("failed update must not reload")
	}
}

func TestNotifier_CancelAborts(t *testing.T) {
	var reloads atomic.Int32
	n := newWaitingNotifier(t, &recorder{}, func() { reloads.Add(1) }, &fakeWorker{}, WithUpdateTimeout(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := n.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Accept = %v", err)
	}
	if reloads.Load() != 0 || n.Status().Updating || !n.Status().Available {
		t.Errorf("status = %+v, reloads = %d", n.Status(), reloads.Load())
	}
}

func TestNotifier_ActivatedElsewhere(t *testing.T) {
	rec := &recorder{}
	n := newWaitingNotifier(t, rec, nil, &fakeWorker{})
	n.ControllerChanged()
	if n.Status().Available {
		t.Error("update must no longer be available")
	}
	if got := rec.details(events.UpdateActivated); len(got) != 1 || got[0] != "sw-2" {
		t.Errorf("update-activated = %v", got)
	}
}

func TestNotifier_DismissAndRedundant(t *testing.T) {
	n := newWaitingNotifier(t, &recorder{}, nil, &fakeWorker{})
	n.Dismiss()
	if st := n.Status(); !st.Dismissed || !st.Available {
		t.Errorf("status = %+v", st)
	}
	n.WorkerStateChanged("sw-2", WorkerRedundant, nil)
	if st := n.Status(); st.Available || st.WaitingID != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestNotifier_WorkerWaitingDuringAcceptIsQueued(t *testing.T) {
	rec := &recorder{}
	var reloads atomic.Int32
	w2 := &fakeWorker{}
	w3 := &fakeWorker{}
	n := newWaitingNotifier(t, rec, func() { reloads.Add(1) }, w2, WithUpdateTimeout(time.Minute))
	w2.onPost = func() {
		n.WorkerStateChanged("sw-2", WorkerWaiting, w2)
		n.WorkerStateChanged("sw-3", WorkerInstalled, w3)
		if st := n.Status(); st.WaitingID != "sw-2" || !st.Updating {
			t.Errorf("state during activation = %+v", st)
		}
		n.ControllerChanged()
	}

	if err := n.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if reloads.Load() != 1 {
		t.Fatalf("reloads = %d, want 1", reloads.Load())
	}
	st := n.Status()
	if !st.Available || st.WaitingID != "sw-3" || st.Updating {
		t.Fatalf("queued update not offered: %+v", st)
	}
	if got := rec.details(events.UpdateAvailable); len(got) != 2 || got[1] != "sw-3" {
		t.Errorf("update-available = %v", got)
	}
	if got := rec.details(events.UpdateActivated); len(got) != 1 || got[0] != "sw-2" {
		t.Errorf("update-activated = %v", got)
	}

	w3.onPost = n.ControllerChanged
	if err := n.Accept(context.Background()); err != nil {
		t.Fatalf("second Accept: %v", err)
	}
	if reloads.Load() != 2 || len(w3.messages) != 1 {
		t.Errorf("reloads = %d, sw-3 messages = %d", reloads.Load(), len(w3.messages))
	}
	if n.Status().Available {
		t.Error("no update should remain after the queued one was activated")
	}
}

func TestNotifier_QueuedWorkerReplacesAbortedUpdate(t *testing.T) {
	rec := &recorder{}
	w2 := &fakeWorker{}
	n := newWaitingNotifier(t, rec, nil, w2, WithUpdateTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	w2.onPost = func() {
		n.WorkerStateChanged("sw-3", WorkerWaiting, &fakeWorker{})
		cancel()
	}

	if err := n.Accept(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Accept = %v, want context.Canceled", err)
	}
	if st := n.Status(); !st.Available || st.WaitingID != "sw-3" || st.Updating {
		t.Errorf("status = %+v", st)
	}
	if got := rec.details(events.UpdateAvailable); len(got) != 2 || got[1] != "sw-3" {
		t.Errorf("update-available = %v", got)
	}
}

func TestNotifier_QueuedWorkerGoneRedundant(t *testing.T) {
	w2 := &fakeWorker{}
	n := newWaitingNotifier(t, &recorder{}, nil, w2, WithUpdateTimeout(time.Minute))
	w2.onPost = func() {
		n.WorkerStateChanged("sw-3", WorkerWaiting, &fakeWorker{})
		n.WorkerStateChanged("sw-3", WorkerRedundant, nil)
		n.ControllerChanged()
	}
	if err := n.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := n.Status(); st.Available || st.WaitingID != "" {
		t.Errorf("redundant queued worker still offered: %+v", st)
	}
}

func TestWorkerStateValid(t *testing.T) {
	if !WorkerWaiting.Valid() || WorkerState("parked").Valid() {
		t.Error("unexpected validity")
	}
}
