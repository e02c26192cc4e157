package apicache

import (
	"errors"

	"github.com/adakings/apicache/internal/backend"
	"github.com/adakings/apicache/internal/coordinator"
	"github.com/adakings/apicache/internal/pwa"
)

// Errors returned by Service. Match them with errors.Is / errors.As.
var (
	// ErrNetworkUnavailable means the backend could not be reached (or the
	// service is offline) and no cached copy could stand in.
	ErrNetworkUnavailable = backend.ErrNetworkUnavailable
	// ErrCircuitOpen means the backend circuit breaker rejected the call.
	ErrCircuitOpen = backend.ErrCircuitOpen
	// ErrNoUpdate is returned by AcceptUpdate when no worker is waiting.
	ErrNoUpdate = pwa.ErrNoUpdate
	// ErrUpdateInProgress is returned by AcceptUpdate while an update is
	// already being applied.
	ErrUpdateInProgress = pwa.ErrUpdateInProgress
	// ErrClosed is returned by operations on a closed Service.
	ErrClosed = errors.New("apicache: service closed")
)

// HTTPError is a non-2xx backend response.
type HTTPError = backend.HTTPError

// IsNetworkError reports whether err means the backend was unreachable,
// as opposed to an HTTP error response.
func IsNetworkError(err error) bool {
	return coordinator.IsNetworkError(err)
}

// StatusCode returns the backend HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
