package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/adakings/apicache/internal/metrics"
)

// KeyFunc derives the rate-limit key of a request.
type KeyFunc func(r *http.Request) string

// ByRemoteIP keys requests by client address. Run it behind
// middleware.RealIP so proxied requests are attributed correctly.
func ByRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-key rate with 429 and a
// Retry-After header. reject writes the error body; nil writes a bare 429.
func Middleware(s *Store, key KeyFunc, reject func(w http.ResponseWriter, r *http.Request)) func(http.Handler) http.Handler {
	if key == nil {
		key = ByRemoteIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := s.Reserve(key(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			metrics.RateLimitRejections.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			if reject != nil {
				reject(w, r)
				return
			}
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
}
