package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/eventlog"
)

type stubFetcher struct{}

func (stubFetcher) Do(_ context.Context, _, _ string, _ map[string]any, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

type testEnv struct {
	svc    *apicache.Service
	events *eventlog.SQLWriter
	router chi.Router
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	w, err := eventlog.NewSQLiteWriter(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	cfg := apicache.DefaultConfig("http://backend.test")
	cfg.Backend.Token = "backend-secret"
	cfg.Cache.BackgroundRefreshDelay = apicache.Dur(0)
	svc, err := apicache.New(cfg, apicache.WithFetcher(stubFetcher{}))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	tokens := testTokens(t)
	h := &Handlers{Cache: svc, Configs: svc, Events: w, Tokens: tokens}
	r := chi.NewRouter()
	r.Use(AuthMiddleware(tokens))
	r.Mount("/admin", h.Routes())
	return &testEnv{svc: svc, events: w, router: r}
}

func authedRequest(method, url, body, key string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, authedRequest(method, url, body, key))
	return w
}

func (e *testEnv) prime(t *testing.T, endpoints ...string) {
	t.Helper()
	for _, ep := range endpoints {
		if _, err := e.svc.Get(context.Background(), ep, nil); err != nil {
			t.Fatalf("prime %s: %v", ep, err)
		}
	}
}

func TestCacheStatus(t *testing.T) {
	env := setupTestRouter(t)
	env.prime(t, "/api/orders/recent", "/api/tables/")

	w := env.do(t, http.MethodGet, "/admin/cache", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Entries int      `json:"entries"`
		Keys    []string `json:"keys"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Entries != 2 || len(body.Keys) != 2 {
		t.Fatalf("unexpected status: %+v", body)
	}
	if body.Keys[0] != "GET /api/orders/recent" {
		t.Errorf("keys not sorted: %v", body.Keys)
	}
}

func TestListEntries(t *testing.T) {
	env := setupTestRouter(t)
	env.prime(t, "/api/orders/recent", "/api/tables/")

	w := env.do(t, http.MethodGet, "/admin/cache/entries?contains=tables&include_data=true", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Data []struct {
			Key      string          `json:"key"`
			Category string          `json:"category"`
			Data     json.RawMessage `json:"data"`
			Expired  bool            `json:"expired"`
		} `json:"data"`
		Summary struct {
			Total    int `json:"total_entries"`
			Returned int `json:"returned_entries"`
		} `json:"summary"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Summary.Total != 2 || body.Summary.Returned != 1 {
		t.Fatalf("unexpected summary: %+v", body.Summary)
	}
	if body.Data[0].Category != "frequent" || string(body.Data[0].Data) != `{"ok":true}` || body.Data[0].Expired {
		t.Errorf("unexpected entry: %+v", body.Data[0])
	}
}

func TestClearAndInvalidate(t *testing.T) {
	env := setupTestRouter(t)
	env.prime(t, "/api/orders/recent", "/api/orders/history", "/api/tables/")

	w := env.do(t, http.MethodPost, "/admin/cache/invalidate", `{"pattern":"/api/orders/"}`, "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var inv struct {
		Removed int `json:"removed"`
	}
	_ = json.NewDecoder(w.Body).Decode(&inv)
	if inv.Removed != 2 {
		t.Errorf("expected 2 removed, got %d", inv.Removed)
	}

	w = env.do(t, http.MethodPost, "/admin/cache/invalidate", `{"pattern":"  "}`, "admin-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank pattern, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/admin/cache/clear", "", "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if env.svc.Stats().Entries != 0 {
		t.Error("cache not cleared")
	}

	w = env.do(t, http.MethodPost, "/admin/cache/sweep", "", "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Errorf("sweep: expected 200, got %d", w.Code)
	}
}

func TestWriteRoutesRequireAdmin(t *testing.T) {
	env := setupTestRouter(t)
	routes := []struct{ method, url, body string }{
		{http.MethodPost, "/admin/cache/clear", ""},
		{http.MethodPost, "/admin/cache/invalidate", `{"pattern":"x"}`},
		{http.MethodPut, "/admin/connectivity", `{"online":false}`},
		{http.MethodDelete, "/admin/events?before=2026-01-01T00:00:00Z", ""},
		{http.MethodPut, "/admin/config", `{"cache":{}}`},
	}
	for _, rt := range routes {
		w := env.do(t, rt.method, rt.url, rt.body, "viewer-secret-1")
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", rt.method, rt.url, w.Code)
		}
	}
}

func TestPolicies(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/admin/policies/classify?endpoint=/api/menu/items", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Method string `json:"method"`
		Policy struct {
			Category string `json:"category"`
			Strategy string `json:"strategy"`
		} `json:"policy"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Method != "GET" || body.Policy.Category != "essential" || body.Policy.Strategy != "cache-first" {
		t.Errorf("unexpected classification: %+v", body)
	}

	w = env.do(t, http.MethodGet, "/admin/policies/classify?endpoint=/api/menu/items&method=post", "", "viewer-secret-1")
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Policy.Strategy != "network-only" {
		t.Errorf("writes should be network-only, got %q", body.Policy.Strategy)
	}

	w = env.do(t, http.MethodGet, "/admin/policies/classify", "", "viewer-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without endpoint, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/admin/policies", "", "viewer-secret-1")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/api/kitchen/") {
		t.Errorf("policy table missing built-in rules: %d %s", w.Code, w.Body.String())
	}
}

func TestConnectivityOverride(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodPut, "/admin/connectivity", `{"online":false}`, "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if env.svc.Online() {
		t.Error("expected service offline")
	}

	w = env.do(t, http.MethodPut, "/admin/connectivity", `{}`, "admin-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without online, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/admin/connectivity", "", "viewer-secret-1")
	var body struct {
		Online bool `json:"online"`
	}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Online {
		t.Error("connectivity endpoint reports online")
	}
}

func TestEventsListStatsDelete(t *testing.T) {
	env := setupTestRouter(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, e := range []eventlog.Entry{
		{EventID: "1", Type: "cache-updated", Endpoint: "/api/menu/", CreatedAt: old},
		{EventID: "2", Type: "cache-updated", Endpoint: "/api/menu/", CreatedAt: time.Now().UTC()},
		{EventID: "3", Type: "network-lost", CreatedAt: time.Now().UTC()},
	} {
		if err := env.events.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, http.MethodGet, "/admin/events?type=cache-updated&limit=1", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Data    []eventlog.Entry `json:"data"`
		Summary struct {
			Total int `json:"total_entries"`
		} `json:"summary"`
	}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if list.Summary.Total != 2 || len(list.Data) != 1 || list.Data[0].EventID != "2" {
		t.Fatalf("unexpected list: %+v", list)
	}

	w = env.do(t, http.MethodGet, "/admin/events?limit=abc", "", "viewer-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/admin/events/stats", "", "viewer-secret-1")
	var stats struct {
		Summary    map[string]any `json:"summary"`
		ByType     map[string]int `json:"by_type"`
		ByEndpoint map[string]int `json:"by_endpoint"`
	}
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.ByType["cache-updated"] != 2 || stats.ByType["network-lost"] != 1 || stats.ByEndpoint["/api/menu/"] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if dropped, ok := stats.Summary["dropped"]; !ok || dropped != float64(0) {
		t.Errorf("summary.dropped = %v (present=%v), want 0", dropped, ok)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	w = env.do(t, http.MethodDelete, "/admin/events?before="+cutoff, "", "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var del struct {
		Deleted int64 `json:"deleted"`
	}
	_ = json.NewDecoder(w.Body).Decode(&del)
	if del.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", del.Deleted)
	}

	w = env.do(t, http.MethodDelete, "/admin/events", "", "admin-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without before, got %d", w.Code)
	}
}

func TestEventsDisabled(t *testing.T) {
	env := setupTestRouter(t)
	h := &Handlers{Cache: env.svc}
	r := chi.NewRouter()
	r.Use(AuthMiddleware(testTokens(t)))
	r.Mount("/admin", h.Routes())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/events", "", "viewer-secret-1"))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", w.Code)
	}
}

func TestConfigUpdateAndRestore(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/admin/config", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "backend-secret") {
		t.Fatal("config leaked the backend token")
	}

	update := `{"cache":{"rules":[{"category":"realtime","match":["/api/menu/"]}]}}`
	w = env.do(t, http.MethodPut, "/admin/config", update, "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var applied struct {
		Revision int             `json:"revision"`
		Policies json.RawMessage `json:"policies"`
	}
	_ = json.NewDecoder(w.Body).Decode(&applied)
	if applied.Revision != 2 || len(applied.Policies) == 0 {
		t.Errorf("update response = %+v", applied)
	}
	if got := env.svc.Policy("GET", "/api/menu/").Category; got != "realtime" {
		t.Fatalf("config update not applied, category %q", got)
	}
	if env.svc.Config().Backend.Token != "backend-secret" {
		t.Error("config update touched the backend section")
	}

	w = env.do(t, http.MethodPut, "/admin/config", `{"cache":{"categories":{"essential":{"strategy":"bogus"}}}}`, "admin-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid config, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/admin/config/revisions", "", "viewer-secret-1")
	var revs struct {
		Data    []PolicyRevision `json:"data"`
		Current int              `json:"current"`
	}
	_ = json.NewDecoder(w.Body).Decode(&revs)
	if revs.Current != 2 || len(revs.Data) != 2 {
		t.Fatalf("expected startup + update revisions, got %+v", revs)
	}
	if revs.Data[0].Source != SourceStartup || revs.Data[1].Source != SourceUpdate {
		t.Errorf("sources = %q, %q", revs.Data[0].Source, revs.Data[1].Source)
	}

	// A token rotated after revision 1 must survive restoring it.
	rotated := env.svc.Config()
	rotated.Backend.Token = "rotated-secret"
	if err := env.svc.ReloadConfig(rotated); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, http.MethodPost, "/admin/config/revisions/1/restore", "", "admin-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var restored struct {
		Revision int `json:"revision"`
		Restored int `json:"restored"`
	}
	_ = json.NewDecoder(w.Body).Decode(&restored)
	if restored.Revision != 3 || restored.Restored != 1 {
		t.Errorf("restore response = %+v", restored)
	}
	if got := env.svc.Policy("GET", "/api/menu/").Category; got != "essential" {
		t.Errorf("restore not applied, category %q", got)
	}
	if got := env.svc.Config().Backend.Token; got != "rotated-secret" {
		t.Errorf("restore reverted the backend token to %q", got)
	}

	w = env.do(t, http.MethodPost, "/admin/config/revisions/99/restore", "", "admin-secret-1")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown revision, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "revision_not_found") {
		t.Errorf("unexpected error body: %s", w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/admin/config/revisions/zero/restore", "", "admin-secret-1")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-numeric revision, got %d", w.Code)
	}
}

func TestDashboardAndTokens(t *testing.T) {
	env := setupTestRouter(t)
	env.prime(t, "/api/menu/")

	w := env.do(t, http.MethodGet, "/admin/dashboard", "", "viewer-secret-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var dash struct {
		Cache struct {
			Entries int `json:"entries"`
		} `json:"cache"`
		Online   bool `json:"online"`
		EventLog struct {
			Enabled bool `json:"enabled"`
		} `json:"event_log"`
	}
	_ = json.NewDecoder(w.Body).Decode(&dash)
	if dash.Cache.Entries != 1 || !dash.Online || !dash.EventLog.Enabled {
		t.Errorf("unexpected dashboard: %+v", dash)
	}

	w = env.do(t, http.MethodGet, "/admin/tokens", "", "viewer-secret-1")
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("token listing leaked keys: %s", w.Body.String())
	}
}
