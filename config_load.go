package apicache

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/strategies"
)

//go:embed config.schema.json
var configSchema []byte

const configSchemaURL = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(configSchemaURL, bytes.NewReader(configSchema)); err != nil {
			schemaErr = fmt.Errorf("loading config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(configSchemaURL)
	})
	return compiledSchema, schemaErr
}

// LoadConfig reads and parses a config file from the given path and checks
// it against the config schema.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig parses data in the format named by ext (".json", ".yaml" or
// ".yml").
func ParseConfig(data []byte, ext string) (*Config, error) {
	var (
		cfg Config
		doc any
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateDocument checks a decoded config document against the schema.
// YAML documents are normalised through JSON first so both formats are
// validated identically.
func validateDocument(doc any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalising config: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return fmt.Errorf("normalising config: %w", err)
	}

	sch, err := loadSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(normalised); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url %q is not an absolute URL", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout < 0 || cfg.Backend.ProbeInterval < 0 {
		return fmt.Errorf("backend timeouts must not be negative")
	}
	if cb := cfg.Backend.CircuitBreaker; cb != nil && cb.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be > 0")
	}

	if cfg.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache.cleanup_interval must not be negative")
	}
	if d := cfg.Cache.BackgroundRefreshDelay; d != nil && *d < 0 {
		return fmt.Errorf("cache.background_refresh_delay must not be negative")
	}
	if _, err := cfg.Table(); err != nil {
		return err
	}

	if rl := cfg.Server.RateLimit; rl != nil && rl.RPS <= 0 {
		return fmt.Errorf("server.rate_limit.rps must be > 0")
	}
	for i, tok := range cfg.Server.AdminTokens {
		if strings.TrimSpace(tok.Token) == "" {
			return fmt.Errorf("server.admin_tokens[%d]: token is required", i)
		}
	}

	if cfg.EventLog.Enabled {
		switch cfg.EventLog.Driver {
		case "", "sqlite":
		case "postgres":
			if cfg.EventLog.DSN == "" {
				return fmt.Errorf("eventlog.dsn is required for postgres")
			}
		default:
			return fmt.Errorf("unknown eventlog driver: %q", cfg.EventLog.Driver)
		}
	}
	return nil
}

// Table builds the classification table: the built-in rules unless
// cache.rules is set, with cache.categories overlaid on the built-in
// category policies.
func (c Config) Table() (strategies.Table, error) {
	t := strategies.DefaultTable()
	if len(c.Cache.Rules) > 0 {
		t.Rules = make([]strategies.Rule, 0, len(c.Cache.Rules))
		for _, r := range c.Cache.Rules {
			t.Rules = append(t.Rules, strategies.Rule{
				Category: cache.Category(r.Category),
				Match:    append([]string(nil), r.Match...),
			})
		}
	}
	for name, cc := range c.Cache.Categories {
		cat := cache.Category(name)
		if !cat.Valid() {
			return strategies.Table{}, fmt.Errorf("unknown cache category: %q", name)
		}
		p := t.Categories[cat]
		if cc.MaxAge != nil {
			p.MaxAge = cc.MaxAge.Std()
		}
		if cc.Strategy != "" {
			p.Strategy = strategies.Kind(cc.Strategy)
		}
		t.Categories[cat] = p
	}
	if err := t.Validate(); err != nil {
		return strategies.Table{}, fmt.Errorf("invalid cache policy: %w", err)
	}
	return t, nil
}

// DefaultConfig returns a Config with every default filled in for
// baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:    baseURL,
			Timeout:    Duration(30 * time.Second),
			HealthPath: "/api/health/",
		},
		Cache: CacheConfig{
			CleanupInterval:        Duration(10 * time.Minute),
			BackgroundRefreshDelay: Dur(100 * time.Millisecond),
		},
		PWA:    PWAConfig{UpdateTimeout: Duration(5 * time.Second)},
		Server: ServerConfig{Addr: ":8080"},
	}
}
