package apicache

import (
	"fmt"
	"time"
)

// Config holds the configuration for the API cache service.
type Config struct {
	// Backend is the REST API the cache sits in front of.
	Backend BackendConfig `json:"backend" yaml:"backend"`
	// Cache tunes the store, the classification table and the timers.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// PWA tunes the update notifier.
	PWA PWAConfig `json:"pwa,omitempty" yaml:"pwa,omitempty"`
	// Server configures the HTTP daemon (ignored by library users).
	Server ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`
	// EventLog enables the persistent event journal (optional).
	EventLog EventLogConfig `json:"eventlog,omitempty" yaml:"eventlog,omitempty"`
	// Log configures structured logging.
	Log LogConfig `json:"log,omitempty" yaml:"log,omitempty"`
}

// BackendConfig describes the REST backend.
type BackendConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Token is sent as "Authorization: Bearer <token>".
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout    Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HealthPath string   `json:"health_path,omitempty" yaml:"health_path,omitempty"`
	// ProbeInterval enables periodic health probes that drive the online
	// flag. Zero disables probing.
	ProbeInterval  Duration              `json:"probe_interval,omitempty" yaml:"probe_interval,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig configures the backend circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CacheConfig tunes the cache.
type CacheConfig struct {
	// CleanupInterval is the expiry sweep period (default 10m).
	CleanupInterval Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
	// BackgroundRefreshDelay is the delay before a cache-first revalidation
	// (default 100ms). A pointer so that an explicit zero is kept.
	BackgroundRefreshDelay *Duration `json:"background_refresh_delay,omitempty" yaml:"background_refresh_delay,omitempty"`
	// Categories overrides the max age and strategy per category.
	Categories map[string]CategoryConfig `json:"categories,omitempty" yaml:"categories,omitempty"`
	// Rules replaces the built-in endpoint rules when non-empty.
	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// CategoryConfig overrides one category.
type CategoryConfig struct {
	MaxAge   *Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	Strategy string    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// RuleConfig maps endpoint substrings to a category.
type RuleConfig struct {
	Category string   `json:"category" yaml:"category"`
	Match    []string `json:"match" yaml:"match"`
}

// PWAConfig tunes the update notifier.
type PWAConfig struct {
	// UpdateTimeout bounds the wait for the controller change after an
	// update was accepted (default 5s).
	UpdateTimeout Duration `json:"update_timeout,omitempty" yaml:"update_timeout,omitempty"`
}

// ServerConfig configures cmd/apicached.
type ServerConfig struct {
	Addr        string           `json:"addr,omitempty" yaml:"addr,omitempty"`
	CORSOrigins []string         `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	RateLimit   *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	AdminTokens []AdminToken     `json:"admin_tokens,omitempty" yaml:"admin_tokens,omitempty"`
}

// RateLimitConfig enables per-client rate limiting of /api requests.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// AdminToken is a static bearer token for the admin API.
type AdminToken struct {
	Token  string   `json:"token" yaml:"token"`
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// EventLogConfig configures the event journal.
type EventLogConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "24h") in config files.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Dur is a convenience for building configs in code.
func Dur(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
