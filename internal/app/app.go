// Package app wires configuration, infrastructure, and the request pipeline
// into a running gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/anthrogate/internal/admin"
	"github.com/kestrelhq/anthrogate/internal/audit"
	"github.com/kestrelhq/anthrogate/internal/cache"
	"github.com/kestrelhq/anthrogate/internal/config"
	"github.com/kestrelhq/anthrogate/internal/crypto"
	"github.com/kestrelhq/anthrogate/internal/gateway"
	"github.com/kestrelhq/anthrogate/internal/httpserver"
	"github.com/kestrelhq/anthrogate/internal/platform"
	"github.com/kestrelhq/anthrogate/internal/ratelimiter"
	"github.com/kestrelhq/anthrogate/internal/resolver"
	"github.com/kestrelhq/anthrogate/internal/store"
	"github.com/kestrelhq/anthrogate/internal/telemetry"
	"github.com/kestrelhq/anthrogate/internal/upstreamclient"
	"github.com/kestrelhq/anthrogate/internal/upstreampool"
)

// Version is stamped at build time.
var Version = "dev"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and serves until the context is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting anthrogate",
		"listen", cfg.ListenAddr(),
		"upstream", cfg.UpstreamBaseURL,
	)

	requestTimeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("parsing request timeout %q: %w", cfg.RequestTimeout, err)
	}

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "anthrogate", Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Master keys
	keyring, err := crypto.LoadKeyring(cfg.CryptoMasterKeyPath, cfg.CryptoCurrentKeyVersion)
	if err != nil {
		return fmt.Errorf("loading master keys: %w", err)
	}
	logger.Info("master keys loaded", "versions", keyring.Versions(), "current", keyring.CurrentVersion())

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	st := store.New(db)
	c := cache.New(rdb, logger, cfg.CacheKeyPrefix,
		time.Duration(cfg.CacheAPIKeyTTLSeconds)*time.Second,
		time.Duration(cfg.CacheQuotaPolicyTTLSec)*time.Second,
	)

	// Upstream pool: store-backed credentials plus the static fallback
	// list. Startup fails if both are empty.
	var poolSource upstreampool.SecretLister
	if cfg.AuthUseDatabase {
		poolSource = st
	}
	pool := upstreampool.New(poolSource, keyring, cfg.UpstreamAPIKeys, logger)
	if err := pool.Refresh(ctx); err != nil {
		return fmt.Errorf("loading upstream credentials: %w", err)
	}

	// Credential sources, consulted in order: static table, then store.
	var sources []resolver.CredentialSource
	if cfg.AuthUseYAMLFallback {
		staticTenants, err := parseStaticTenants(cfg.StaticTenants)
		if err != nil {
			return fmt.Errorf("parsing static tenant table: %w", err)
		}
		sources = append(sources, resolver.NewStaticSource(staticTenants, cfg.DefaultRPM))
		logger.Info("static tenant fallback enabled", "entries", len(staticTenants))
	}
	if cfg.AuthUseDatabase {
		sources = append(sources, resolver.NewStoreSource(st, c, cfg.DefaultRPM))
	}
	if len(sources) == 0 {
		return errors.New("no credential source enabled: set AUTH_USE_DATABASE or AUTH_USE_YAML_FALLBACK")
	}

	limiter := ratelimiter.New()
	upstream := upstreamclient.New(pool, cfg.UpstreamBaseURL, cfg.AnthropicVersion, logger)
	gatewayHandler := gateway.NewHandler(logger, resolver.New(sources...), limiter, upstream, cfg.MaxBodyBytes, requestTimeout)

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	srv.Router.Mount("/anthropic", gatewayHandler.Routes())

	adminHandler := admin.NewHandler(logger, st, c, pool, keyring, auditWriter)
	auditHandler := audit.NewHandler(logger, st)
	srv.Router.Route("/admin/v1", func(r chi.Router) {
		r.Use(admin.RequireAdmin(cfg.AdminAPIKeyHeader, cfg.AdminAPIKeys))
		r.Mount("/audit-log", auditHandler.Routes())
		r.Mount("/", adminHandler.Routes())
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
		// Write timeout must outlast streamed responses; the per-request
		// timeout is enforced inside the gateway handler instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// parseStaticTenants parses "credential,tenantId,userId,plan" entries from
// configuration.
func parseStaticTenants(entries []string) ([]resolver.StaticTenant, error) {
	tenants := make([]resolver.StaticTenant, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("entry %q: want credential,tenantId,userId,plan", entry)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" || !store.IsValidTenantID(parts[1]) {
			return nil, fmt.Errorf("entry %q: empty credential or malformed tenant id", entry)
		}
		if !store.IsValidPlan(parts[3]) {
			return nil, fmt.Errorf("entry %q: unknown plan %q", entry, parts[3])
		}
		tenants = append(tenants, resolver.StaticTenant{
			Credential: parts[0],
			TenantID:   parts[1],
			UserID:     parts[2],
			Plan:       parts[3],
		})
	}
	return tenants, nil
}
