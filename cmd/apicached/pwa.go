package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/admin"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/pwa"
)

// pwaBridge exposes the install lifecycle and update notifier to a page
// over HTTP. The page reports platform events and answers install prompts;
// the bridge holds the prompt captured from beforeinstallprompt until the
// page posts the user's choice.
type pwaBridge struct {
	svc *apicache.Service

	mu     sync.Mutex
	prompt *pwa.DeferredPrompt

	reloads atomic.Int64
}

// reload is the Service reload hook. The page polls /pwa/state and
// reloads itself when the counter moves.
func (b *pwaBridge) reload() {
	n := b.reloads.Add(1)
	logging.Component("pwa").Info("reload requested", "count", n)
}

func (b *pwaBridge) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/state", b.state)
	r.Post("/events", b.platformEvent)
	r.Post("/install", b.install)
	r.Post("/worker", b.workerState)
	r.Put("/controller", b.controller)
	r.Post("/update/accept", b.acceptUpdate)
	r.Post("/update/dismiss", b.dismissUpdate)
	return r
}

type pwaState struct {
	Install pwa.Snapshot     `json:"install"`
	Update  pwa.UpdateStatus `json:"update"`
	Reloads int64            `json:"reloads"`
}

func (b *pwaBridge) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pwaState{
		Install: b.svc.Lifecycle().Snapshot(),
		Update:  b.svc.Notifier().Status(),
		Reloads: b.reloads.Load(),
	})
}

func (b *pwaBridge) platformEvent(w http.ResponseWriter, r *http.Request) {
	var ev pwa.PlatformEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		admin.WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_json")
		return
	}
	var prompt *pwa.DeferredPrompt
	if ev.Type == pwa.EventBeforeInstallPrompt {
		prompt = pwa.NewDeferredPrompt()
		ev.Prompt = prompt
	}
	if err := b.svc.HandlePlatformEvent(ev); err != nil {
		admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_event")
		return
	}
	if prompt != nil {
		b.mu.Lock()
		b.prompt = prompt
		b.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, b.svc.Lifecycle().Snapshot())
}

type installRequest struct {
	Outcome pwa.Outcome `json:"outcome"`
}

type installResponse struct {
	Prompted bool         `json:"prompted"`
	Accepted bool         `json:"accepted"`
	State    pwa.Snapshot `json:"state"`
}

// install answers the captured prompt with the page's outcome and runs the
// lifecycle's install flow.
func (b *pwaBridge) install(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		admin.WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_json")
		return
	}

	b.mu.Lock()
	prompt := b.prompt
	b.prompt = nil
	b.mu.Unlock()

	if prompt == nil || !b.svc.Lifecycle().Snapshot().CanInstall {
		writeJSON(w, http.StatusOK, installResponse{State: b.svc.Lifecycle().Snapshot()})
		return
	}
	if err := prompt.Resolve(req.Outcome); err != nil {
		b.mu.Lock()
		if b.prompt == nil {
			b.prompt = prompt
		}
		b.mu.Unlock()
		admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_outcome")
		return
	}
	accepted, err := b.svc.Install(r.Context())
	if err != nil {
		admin.WriteError(w, http.StatusInternalServerError, err.Error(), "server_error", "install_failed")
		return
	}
	writeJSON(w, http.StatusOK, installResponse{
		Prompted: true,
		Accepted: accepted,
		State:    b.svc.Lifecycle().Snapshot(),
	})
}

type workerRequest struct {
	ID    string          `json:"id"`
	State pwa.WorkerState `json:"state"`
}

func (b *pwaBridge) workerState(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		admin.WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_json")
		return
	}
	if req.ID == "" {
		admin.WriteError(w, http.StatusBadRequest, "id is required", "invalid_request_error", "missing_id")
		return
	}
	if err := b.svc.WorkerStateChanged(req.ID, req.State); err != nil {
		admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_state")
		return
	}
	writeJSON(w, http.StatusOK, b.svc.Notifier().Status())
}

func (b *pwaBridge) controller(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Present *bool `json:"present"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Present == nil {
		admin.WriteError(w, http.StatusBadRequest, "present is required", "invalid_request_error", "invalid_json")
		return
	}
	b.svc.SetController(*req.Present)
	writeJSON(w, http.StatusOK, b.svc.Notifier().Status())
}

func (b *pwaBridge) acceptUpdate(w http.ResponseWriter, r *http.Request) {
	err := b.svc.AcceptUpdate(r.Context())
	switch {
	case errors.Is(err, apicache.ErrNoUpdate):
		admin.WriteError(w, http.StatusConflict, err.Error(), "invalid_request_error", "no_update")
	case errors.Is(err, apicache.ErrUpdateInProgress):
		admin.WriteError(w, http.StatusConflict, err.Error(), "invalid_request_error", "update_in_progress")
	case err != nil:
		admin.WriteError(w, http.StatusInternalServerError, err.Error(), "server_error", "update_failed")
	default:
		writeJSON(w, http.StatusOK, b.svc.Notifier().Status())
	}
}

func (b *pwaBridge) dismissUpdate(w http.ResponseWriter, _ *http.Request) {
	b.svc.DismissUpdate()
	w.WriteHeader(http.StatusNoContent)
}

// swMessage answers service-worker messages posted by the page.
func swMessage(svc *apicache.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m pwa.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			admin.WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_json")
			return
		}
		reply, err := svc.Dispatch(r.Context(), m)
		switch {
		case errors.Is(err, pwa.ErrUnknownMessage):
			admin.WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "unknown_message")
		case errors.Is(err, apicache.ErrNoUpdate):
			admin.WriteError(w, http.StatusConflict, err.Error(), "invalid_request_error", "no_update")
		case err != nil:
			admin.WriteError(w, http.StatusInternalServerError, err.Error(), "server_error", "dispatch_failed")
		default:
			writeJSON(w, http.StatusOK, reply)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
