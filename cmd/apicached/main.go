// Command apicached runs the API cache as an HTTP daemon in front of the
// restaurant backend, with the PWA bridge and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/admin"
	"github.com/adakings/apicache/internal/logging"
	"github.com/adakings/apicache/internal/ratelimit"
	"github.com/adakings/apicache/internal/version"
	"github.com/adakings/apicache/web"
)

// rateLimitIdle is how long a client's bucket is kept after its last request.
const rateLimitIdle = 10 * time.Minute

func main() {
	cfgPath := flag.String("config", os.Getenv("APICACHE_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		slog.Error("apicached failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logging.Setup(envDefault(cfg.Log.Level, "APICACHE_LOG_LEVEL"), envDefault(cfg.Log.Format, "APICACHE_LOG_FORMAT"))
	log := logging.Component("server")

	bridge := &pwaBridge{}
	svc, err := apicache.New(cfg, apicache.WithReload(bridge.reload))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("close failed", "error", err.Error())
		}
	}()
	bridge.svc = svc

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	var limiter *ratelimit.Store
	if rl := cfg.Server.RateLimit; rl != nil && rl.RPS > 0 {
		limiter = ratelimit.NewStore(rl.RPS, float64(rl.Burst))
		go pruneLimiter(ctx, limiter)
	}

	r, err := newRouter(svc, bridge, cfg.Server, limiter)
	if err != nil {
		return err
	}

	if cfgPath != "" {
		go func() {
			if err := apicache.WatchConfig(ctx, svc, cfgPath, apicache.DefaultWatchDebounce); err != nil {
				log.Warn("config watch disabled", "path", cfgPath, "error", err.Error())
			}
		}()
	}

	addr := cfg.Server.Addr
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err.Error())
		}
	}()

	log.Info("apicached listening",
		"version", version.Short(),
		"addr", addr,
		"backend", cfg.Backend.BaseURL,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// loadConfig reads path, or builds a default config from
// APICACHE_BACKEND_URL when no file is given.
func loadConfig(path string) (apicache.Config, error) {
	if path != "" {
		cfg, err := apicache.LoadConfig(path)
		if err != nil {
			return apicache.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		return *cfg, nil
	}
	base := os.Getenv("APICACHE_BACKEND_URL")
	if base == "" {
		return apicache.Config{}, errors.New("no config: pass -config, or set APICACHE_CONFIG or APICACHE_BACKEND_URL")
	}
	cfg := apicache.DefaultConfig(base)
	cfg.Backend.Token = os.Getenv("APICACHE_BACKEND_TOKEN")
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}
	return cfg, nil
}

// envDefault returns v, or the value of the environment variable key when v
// is empty.
func envDefault(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func pruneLimiter(ctx context.Context, s *ratelimit.Store) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Prune(rateLimitIdle); n > 0 {
				logging.Component("ratelimit").Debug("pruned idle clients", "count", n)
			}
		}
	}
}

// newRouter builds the HTTP router. limiter may be nil.
func newRouter(svc *apicache.Service, bridge *pwaBridge, sc apicache.ServerConfig, limiter *ratelimit.Store) (http.Handler, error) {
	tokens := make([]admin.Token, 0, len(sc.AdminTokens))
	for _, t := range sc.AdminTokens {
		tokens = append(tokens, admin.Token{Key: t.Token, Scopes: t.Scopes})
	}
	tokenSet, err := admin.NewTokenSet(tokens)
	if err != nil {
		return nil, fmt.Errorf("admin tokens: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(sc.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"online":  svc.Online(),
			"version": version.Short(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/dashboard", dashboardPage)

	r.Post("/sw/message", swMessage(svc))
	r.Mount("/pwa", bridge.routes())

	adminHandlers := &admin.Handlers{
		Cache:   svc,
		Configs: svc,
		Events:  svc.EventLog(),
		Tokens:  tokenSet,
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(tokenSet))
		r.Mount("/", adminHandlers.Routes())
	})

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(ratelimit.Middleware(limiter, ratelimit.ByRemoteIP, func(w http.ResponseWriter, _ *http.Request) {
				admin.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error", "rate_limit_exceeded")
			}))
		}
		r.HandleFunc("/api/*", apiHandler(svc))
	})

	return r, nil
}

// dashboardPage serves the embedded cache dashboard. The page calls the
// admin API with a token the operator enters.
func dashboardPage(w http.ResponseWriter, _ *http.Request) {
	page, err := web.Templates.ReadFile(web.DashboardPage)
	if err != nil {
		admin.WriteError(w, http.StatusInternalServerError, "dashboard unavailable", "server_error", "internal_error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
