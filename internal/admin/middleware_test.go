package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testTokens(t *testing.T) *TokenSet {
	t.Helper()
	s, err := NewTokenSet([]Token{
		{Key: "admin-secret-1", Scopes: []string{ScopeAdmin}},
		{Key: "viewer-secret-1", Scopes: []string{ScopeReadOnly}},
	})
	if err != nil {
		t.Fatalf("token set: %v", err)
	}
	return s
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	tokens := testTokens(t)

	handler := AuthMiddleware(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := TokenFromContext(r.Context()); !ok {
			t.Error("token missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer admin-secret-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_NoAuthHeader(t *testing.T) {
	handler := AuthMiddleware(testTokens(t))(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	handler := AuthMiddleware(testTokens(t))(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	var body struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "authentication_error" || body.Error.Code != "invalid_token" {
		t.Errorf("unexpected error body: %+v", body)
	}
}

func TestAuthMiddleware_BasicScheme(t *testing.T) {
	handler := AuthMiddleware(testTokens(t))(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic YWRtaW46YWRtaW4=")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRequireScope(t *testing.T) {
	tokens := testTokens(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name   string
		key    string
		scopes []string
		want   int
	}{
		{"admin on admin route", "admin-secret-1", []string{ScopeAdmin}, http.StatusOK},
		{"viewer on admin route", "viewer-secret-1", []string{ScopeAdmin}, http.StatusForbidden},
		{"viewer on read route", "viewer-secret-1", []string{ScopeReadOnly, ScopeAdmin}, http.StatusOK},
		{"admin on read route", "admin-secret-1", []string{ScopeReadOnly, ScopeAdmin}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tokens)(RequireScope(tt.scopes...)(ok))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.key)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequireScope_NoToken(t *testing.T) {
	handler := RequireScope(ScopeAdmin)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestWriteError_Defaults(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusNotFound, "not_found_error"},
		{http.StatusTooManyRequests, "rate_limit_error"},
		{http.StatusServiceUnavailable, "backend_error"},
		{http.StatusBadRequest, "invalid_request_error"},
		{http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		WriteError(rr, tt.status, "boom", "", "")
		var body struct {
			Error map[string]string `json:"error"`
		}
		_ = json.NewDecoder(rr.Body).Decode(&body)
		if body.Error["type"] != tt.want || body.Error["code"] != tt.want {
			t.Errorf("status %d: got %v, want %s", tt.status, body.Error, tt.want)
		}
	}
}
