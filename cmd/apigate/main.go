package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nvelloso/apigate/internal/audit"
	"github.com/nvelloso/apigate/internal/config"
	"github.com/nvelloso/apigate/internal/forward"
	"github.com/nvelloso/apigate/internal/gateway"
	"github.com/nvelloso/apigate/internal/ratelimit"
	"github.com/nvelloso/apigate/internal/server"
	"github.com/nvelloso/apigate/internal/store"
	"github.com/nvelloso/apigate/internal/store/cached"
	"github.com/nvelloso/apigate/internal/store/memory"
	"github.com/nvelloso/apigate/internal/store/sqldb"
	"github.com/nvelloso/apigate/internal/telemetry"
)

const lookupCacheSize = 1024
const lookupCacheTTL = 30 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("apigate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("APIGATE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var (
		credentials store.CredentialStore
		routes      store.RouteStore
		audits      store.AuditStore
		counters    store.CounterStore
	)

	switch cfg.Storage.Driver {
	case "memory":
		mem := memory.NewFromConfig(cfg)
		credentials, routes, audits, counters = mem, mem, mem, mem
	default:
		db, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer db.Close()
		credentials = cached.NewCredentialStore(db, lookupCacheSize, lookupCacheTTL)
		routes = cached.NewRouteStore(db, lookupCacheSize, lookupCacheTTL)
		audits = db
		counters = db
		go purgeExpiredWindows(db, cfg.RateLimit.WindowDuration(), logger)
	}

	limiter := ratelimit.New(counters, cfg.RateLimit.Limit, cfg.RateLimit.WindowDuration())

	forwarder, err := forward.New(forward.Config{
		Timeout:      cfg.Upstream.TimeoutDuration(),
		StripHeaders: append([]string{gateway.APIKeyHeader}, cfg.Upstream.StripHeaders...),
		AddHeaders:   cfg.Upstream.AddHeaders,
		BlockPrivate: cfg.Upstream.BlockPrivate,
	})
	if err != nil {
		log.Fatalf("Failed to create forwarder: %v", err)
	}

	auditLogger := audit.New(audits, logger, cfg.Audit.BufferSize)
	defer auditLogger.Close()

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeoutDuration(), logger)
	gateway.New(credentials, routes, limiter, forwarder, auditLogger, logger).Register(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

// purgeExpiredWindows bounds rate-window storage by deleting rows
// whose window has fully elapsed.
func purgeExpiredWindows(db *sqldb.Store, window time.Duration, logger *slog.Logger) {
	interval := window / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := db.PurgeExpiredWindows(ctx, time.Now())
		cancel()
		if err != nil {
			logger.Error("purge rate windows failed", slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			logger.Info("purged expired rate windows", slog.Int64("count", n))
		}
	}
}
