package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/admin"
	"github.com/adakings/apicache/internal/logging"
)

// maxBodyBytes caps request bodies forwarded to the backend.
const maxBodyBytes = 1 << 20

// Values of the X-Cache response header.
const (
	cacheHit      = "hit"
	cacheMiss     = "miss"
	cacheStale    = "stale"
	cacheOffline  = "offline"
	cacheFallback = "fallback"
)

// apiHandler serves /api/* through the cache. The request path is the
// endpoint, the query string becomes the params and a JSON body is
// forwarded as is.
func apiHandler(svc *apicache.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := apicache.Request{
			Method:   r.Method,
			Endpoint: r.URL.Path,
			Params:   queryParams(r),
		}
		if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				admin.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error", "body_too_large")
				return
			}
			if len(body) > 0 {
				if !json.Valid(body) {
					admin.WriteError(w, http.StatusBadRequest, "request body must be JSON", "invalid_request_error", "invalid_json")
					return
				}
				req.Body = body
			}
		}

		res, err := svc.Fetch(r.Context(), req)
		if err != nil {
			writeFetchError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", cacheStatus(res))
		w.Header().Set("X-Cache-Strategy", string(res.Strategy))
		if !res.CachedAt.IsZero() {
			w.Header().Set("X-Cached-At", res.CachedAt.UTC().Format(time.RFC3339))
		}
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(res.Data)
		}
	}
}

func cacheStatus(res *apicache.Result) string {
	switch {
	case res.Offline:
		return cacheOffline
	case res.Fallback:
		return cacheFallback
	case res.Stale:
		return cacheStale
	case res.FromCache:
		return cacheHit
	default:
		return cacheMiss
	}
}

// queryParams flattens the query string. Repeated keys keep every value.
func queryParams(r *http.Request) map[string]any {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	params := make(map[string]any, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			params[k] = vs[0]
			continue
		}
		all := make([]any, len(vs))
		for i, v := range vs {
			all[i] = v
		}
		params[k] = all
	}
	return params
}

func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())
	if code := apicache.StatusCode(err); code > 0 {
		admin.WriteError(w, code, err.Error(), "backend_error", "backend_status")
		return
	}
	switch {
	case errors.Is(err, apicache.ErrCircuitOpen):
		admin.WriteError(w, http.StatusServiceUnavailable, err.Error(), "backend_error", "circuit_open")
	case apicache.IsNetworkError(err):
		admin.WriteError(w, http.StatusServiceUnavailable, err.Error(), "backend_error", "network_unavailable")
	case errors.Is(err, apicache.ErrClosed):
		admin.WriteError(w, http.StatusServiceUnavailable, err.Error(), "server_error", "shutting_down")
	case errors.Is(err, context.DeadlineExceeded):
		admin.WriteError(w, http.StatusGatewayTimeout, err.Error(), "backend_error", "timeout")
	case errors.Is(err, context.Canceled):
		log.Debug("client went away", "path", r.URL.Path)
	default:
		log.Error("fetch failed", "path", r.URL.Path, "error", err.Error())
		admin.WriteError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
	}
}
