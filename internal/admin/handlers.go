// Package admin provides HTTP handlers for the cache administration API.
// Routes expose cache inspection and invalidation, the classification
// policy, the PWA state, the event journal and runtime config management.
// All admin routes are protected by bearer-token authentication via AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/eventlog"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/strategies"
)

// CacheService is the subset of apicache.Service the admin API drives.
type CacheService interface {
	Status() apicache.Status
	Stats() cache.Stats
	Entries() []cache.Entry
	Clear()
	Invalidate(substr string) int
	Sweep() int
	Policy(method, endpoint string) strategies.Policy
	Table() strategies.Table
	Online() bool
	SetOnline(online bool)
	Probe(ctx context.Context)
}

// ConfigManager exposes the minimal config operations needed by admin API.
type ConfigManager interface {
	Config() apicache.Config
	ReloadConfig(cfg apicache.Config) error
}

// Handlers holds dependencies for admin HTTP handlers.
type Handlers struct {
	Cache   CacheService
	Configs ConfigManager
	Events  eventlog.Store
	Tokens  *TokenSet

	revisions revisionLog
}

const eventStatsMaxScannedEntries = 5000

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/dashboard", h.dashboard)
		r.Get("/cache", h.cacheStatus)
		r.Get("/cache/entries", h.listEntries)
		r.Get("/policies", h.listPolicies)
		r.Get("/policies/classify", h.classify)
		r.Get("/pwa", h.pwaState)
		r.Get("/events", h.listEvents)
		r.Get("/events/stats", h.eventStats)
		r.Get("/connectivity", h.connectivity)
		r.Get("/tokens", h.listTokens)
		r.Get("/config", h.getConfig)
		r.Get("/config/revisions", h.listRevisions)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Post("/cache/clear", h.clearCache)
		r.Post("/cache/invalidate", h.invalidate)
		r.Post("/cache/sweep", h.sweep)
		r.Delete("/events", h.deleteEvents)
		r.Put("/connectivity", h.setConnectivity)
		r.Post("/connectivity/probe", h.probe)
		r.Put("/config", h.updateConfig)
		r.Post("/config/revisions/{revision}/restore", h.restoreRevision)
	})

	return r
}

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	st := h.Cache.Status()

	eventLog := map[string]any{
		"enabled": false,
		"total":   0,
	}
	if h.Events != nil {
		res, err := h.Events.List(r.Context(), eventlog.Query{Limit: 1})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to load dashboard summary", "server_error", "internal_error")
			return
		}
		eventLog["enabled"] = true
		eventLog["total"] = res.Total
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cache": map[string]any{
			"entries":              st.Entries,
			"expired":              st.Expired,
			"bytes":                st.Bytes,
			"background_refreshes": len(st.Background),
		},
		"online":          st.Online,
		"circuit_breaker": st.Breaker,
		"install":         st.Install,
		"update":          st.Update,
		"event_log":       eventLog,
	})
}

func (h *Handlers) cacheStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.Cache.Stats()
	keys := make([]string, 0, len(st.Keys))
	for k := range st.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries":              st.Entries,
		"expired":              st.Expired,
		"bytes":                st.Bytes,
		"keys":                 keys,
		"metadata":             st.Keys,
		"background_refreshes": h.Cache.Status().Background,
	})
}

type entryView struct {
	Key       string          `json:"key"`
	Category  cache.Category  `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expires_at"`
	Expired   bool            `json:"expired"`
	Size      int             `json:"size"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	includeData := r.URL.Query().Get("include_data") == "true"
	contains := r.URL.Query().Get("contains")
	category := r.URL.Query().Get("category")

	now := time.Now()
	entries := h.Cache.Entries()
	out := make([]entryView, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		if contains != "" && !strings.Contains(e.Key, contains) {
			continue
		}
		if category != "" && string(e.Category) != category {
			continue
		}
		v := entryView{
			Key:       e.Key,
			Category:  e.Category,
			Timestamp: e.Timestamp,
			ExpiresAt: e.Timestamp.Add(e.MaxAge),
			Expired:   e.ExpiredAt(now),
			Size:      len(e.Data),
		}
		if includeData {
			v.Data = e.Data
		}
		out = append(out, v)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": out,
		"summary": map[string]any{
			"total_entries":    len(entries),
			"returned_entries": len(out),
		},
	})
}

func (h *Handlers) clearCache(w http.ResponseWriter, _ *http.Request) {
	n := h.Cache.Stats().Entries
	h.Cache.Clear()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "cleared", "cleared": n})
}

func (h *Handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if strings.TrimSpace(body.Pattern) == "" {
		WriteError(w, http.StatusBadRequest, "pattern is required", "invalid_request_error", "invalid_request")
		return
	}

	removed := h.Cache.Invalidate(body.Pattern)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pattern": body.Pattern, "removed": removed})
}

func (h *Handlers) sweep(w http.ResponseWriter, _ *http.Request) {
	removed := h.Cache.Sweep()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"removed": removed})
}

func (h *Handlers) listPolicies(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Cache.Table())
}

func (h *Handlers) classify(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		WriteError(w, http.StatusBadRequest, "endpoint is required", "invalid_request_error", "invalid_request")
		return
	}
	method := r.URL.Query().Get("method")
	if method == "" {
		method = http.MethodGet
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"method":   strings.ToUpper(method),
		"endpoint": endpoint,
		"policy":   h.Cache.Policy(method, endpoint),
	})
}

func (h *Handlers) pwaState(w http.ResponseWriter, _ *http.Request) {
	st := h.Cache.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"install": st.Install,
		"update":  st.Update,
	})
}

func (h *Handlers) connectivity(w http.ResponseWriter, _ *http.Request) {
	st := h.Cache.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"online":          st.Online,
		"circuit_breaker": st.Breaker,
	})
}

func (h *Handlers) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		WriteError(w, http.StatusBadRequest, "online (bool) is required", "invalid_request_error", "invalid_request")
		return
	}
	h.Cache.SetOnline(*body.Online)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"online": h.Cache.Online()})
}

func (h *Handlers) probe(w http.ResponseWriter, r *http.Request) {
	h.Cache.Probe(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"online": h.Cache.Online()})
}

func (h *Handlers) listTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := []Token{}
	if h.Tokens != nil {
		tokens = h.Tokens.List()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": tokens})
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		WriteError(w, http.StatusNotImplemented, "event log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > 200 {
			parsed = 200
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	query := eventlog.Query{
		Limit:    limit,
		Offset:   offset,
		Type:     r.URL.Query().Get("type"),
		Endpoint: r.URL.Query().Get("endpoint"),
		Since:    since,
	}

	result, err := h.Events.List(r.Context(), query)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list events", "server_error", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": result.Data,
		"summary": map[string]any{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]any{
			"limit":    limit,
			"offset":   offset,
			"type":     query.Type,
			"endpoint": query.Endpoint,
			"since":    r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) deleteEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		WriteError(w, http.StatusNotImplemented, "event log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	beforeRaw := r.URL.Query().Get("before")
	if beforeRaw == "" {
		WriteError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	before, err := time.Parse(time.RFC3339, beforeRaw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid before: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}

	deleted, err := h.Events.Delete(r.Context(), eventlog.MaintenanceQuery{
		Before: &before,
		Type:   r.URL.Query().Get("type"),
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to delete events", "server_error", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"deleted": deleted,
		"filters": map[string]any{
			"before": beforeRaw,
			"type":   r.URL.Query().Get("type"),
		},
	})
}

func (h *Handlers) eventStats(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		WriteError(w, http.StatusNotImplemented, "event log storage is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		limit = parsed
	}

	since, ok := parseSince(w, r)
	if !ok {
		return
	}

	baseQuery := eventlog.Query{Limit: 200, Since: since}
	result, err := h.Events.List(r.Context(), baseQuery)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to compute event stats", "server_error", "internal_error")
		return
	}

	entries := make([]eventlog.Entry, 0, len(result.Data))
	entries = append(entries, result.Data...)
	for len(entries) < result.Total && len(entries) < eventStatsMaxScannedEntries {
		baseQuery.Offset = len(entries)
		next, listErr := h.Events.List(r.Context(), baseQuery)
		if listErr != nil {
			WriteError(w, http.StatusInternalServerError, "failed to compute event stats", "server_error", "internal_error")
			return
		}
		if len(next.Data) == 0 {
			break
		}
		if remaining := eventStatsMaxScannedEntries - len(entries); len(next.Data) > remaining {
			next.Data = next.Data[:remaining]
		}
		entries = append(entries, next.Data...)
	}
	truncated := len(entries) < result.Total

	byType := map[string]int{}
	byEndpoint := map[string]int{}
	for _, entry := range entries {
		byType[entry.Type]++
		if entry.Endpoint != "" {
			byEndpoint[entry.Endpoint]++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"summary": map[string]any{
			"total_entries":     len(entries),
			"truncated":         truncated,
			"available_entries": result.Total,
			"scan_limit":        eventStatsMaxScannedEntries,
			"dropped":           h.Cache.Status().EventsDropped,
		},
		"by_type":     byType,
		"by_endpoint": topEndpoints(byEndpoint, limit),
		"filters": map[string]any{
			"limit": limit,
			"since": r.URL.Query().Get("since"),
		},
	})
}

func parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid since: must be RFC3339 format", "invalid_request_error", "invalid_request")
		return nil, false
	}
	return &parsed, true
}

func (h *Handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	if h.Configs == nil {
		WriteError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(redactConfig(h.Configs.Config()))
}

func (h *Handlers) listRevisions(w http.ResponseWriter, _ *http.Request) {
	if h.Configs == nil {
		WriteError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	revs := h.revisions.list()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":    revs,
		"current": len(revs),
	})
}

// updateConfig replaces the cache and pwa sections of the running config.
// The backend, server and event log sections of the request are ignored so
// that credentials never travel through this endpoint.
func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	if h.Configs == nil {
		WriteError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	var body struct {
		Cache apicache.CacheConfig `json:"cache"`
		PWA   *apicache.PWAConfig  `json:"pwa,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}

	running := h.Configs.Config()
	next := running
	next.Cache = body.Cache
	if body.PWA != nil {
		next.PWA = *body.PWA
	}
	if err := h.Configs.ReloadConfig(next); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_config")
		return
	}
	rev := h.revisions.record(running, next, SourceUpdate, 0)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"revision": rev.Revision,
		"policies": h.Cache.Table(),
	})
}

// restoreRevision re-applies the caching rules of an earlier revision as a
// new revision. Backend and server settings stay as they are now.
func (h *Handlers) restoreRevision(w http.ResponseWriter, r *http.Request) {
	if h.Configs == nil {
		WriteError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	n, err := strconv.Atoi(chi.URLParam(r, "revision"))
	if err != nil || n <= 0 {
		WriteError(w, http.StatusBadRequest, "revision must be a positive integer", "invalid_request_error", "invalid_request")
		return
	}
	target, ok := h.revisions.get(n)
	if !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("no cache policy revision %d", n), "not_found_error", "revision_not_found")
		return
	}

	running := h.Configs.Config()
	next := target.apply(running)
	if err := h.Configs.ReloadConfig(next); err != nil {
		WriteError(w, http.StatusConflict, "revision no longer applies: "+err.Error(), "invalid_request_error", "invalid_config")
		return
	}
	rev := h.revisions.record(running, next, SourceRestore, n)
	logging.Component("admin").Info("cache policies restored", "from_revision", n, "revision", rev.Revision)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"revision": rev.Revision,
		"restored": n,
		"policies": h.Cache.Table(),
	})
}

// redactConfig hides credentials before a config leaves the process.
func redactConfig(cfg apicache.Config) apicache.Config {
	if cfg.Backend.Token != "" {
		cfg.Backend.Token = "redacted"
	}
	if len(cfg.Server.AdminTokens) > 0 {
		tokens := make([]apicache.AdminToken, len(cfg.Server.AdminTokens))
		for i, t := range cfg.Server.AdminTokens {
			tokens[i] = apicache.AdminToken{Token: "redacted", Scopes: t.Scopes}
		}
		cfg.Server.AdminTokens = tokens
	}
	if cfg.EventLog.DSN != "" && cfg.EventLog.Driver == "postgres" {
		cfg.EventLog.DSN = "redacted"
	}
	return cfg
}
