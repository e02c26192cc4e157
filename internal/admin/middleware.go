package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const tokenContextKey contextKey = "admin_token"

// Admin token permission scopes.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
)

// TokenFromContext retrieves the authenticated admin token from the request context.
func TokenFromContext(ctx context.Context) (*Token, bool) {
	tok, ok := ctx.Value(tokenContextKey).(*Token)
	return tok, ok
}

// AuthMiddleware returns a chi-compatible middleware that validates bearer
// tokens and stores the authenticated token in the request context.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_token")
				return
			}

			tok, ok := auth.ValidateKey(strings.TrimPrefix(header, "Bearer "))
			if !ok {
				WriteError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error", "invalid_token")
				return
			}

			ctx := context.WithValue(r.Context(), tokenContextKey, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that checks whether the authenticated
// token has at least one of the required scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := TokenFromContext(r.Context())
			if !ok {
				WriteError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}

			for _, required := range scopes {
				if tok.HasScope(required) {
					next.ServeHTTP(w, r)
					return
				}
			}

			WriteError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
		})
	}
}

// WriteError writes the unified JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func WriteError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return "backend_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}
