package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmgateway/llmgateway/internal/audit"
	"github.com/llmgateway/llmgateway/internal/config"
	"github.com/llmgateway/llmgateway/internal/httpserver"
	"github.com/llmgateway/llmgateway/internal/platform"
	"github.com/llmgateway/llmgateway/internal/telemetry"
	"github.com/llmgateway/llmgateway/pkg/adminapi"
	"github.com/llmgateway/llmgateway/pkg/dispatch"
	"github.com/llmgateway/llmgateway/pkg/notify"
	"github.com/llmgateway/llmgateway/pkg/relay"
	"github.com/llmgateway/llmgateway/pkg/selector"
	"github.com/llmgateway/llmgateway/pkg/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting llmgateway", "listen", cfg.ListenAddr())

	rdb, err := newRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	auditPool, err := platform.NewPostgresPool(ctx, cfg.AuditDatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to audit database: %w", err)
	}
	defer auditPool.Close()

	if err := platform.RunAuditMigrations(cfg.AuditDatabaseURL, cfg.AuditMigrationsDir); err != nil {
		return fmt.Errorf("running audit migrations: %w", err)
	}
	logger.Info("audit migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	lockTTL, err := time.ParseDuration(cfg.ConcurrencyLockTTL)
	if err != nil {
		return fmt.Errorf("parsing concurrency lock TTL %q: %w", cfg.ConcurrencyLockTTL, err)
	}
	upstreamTimeout, err := time.ParseDuration(cfg.UpstreamTimeout)
	if err != nil {
		return fmt.Errorf("parsing upstream timeout %q: %w", cfg.UpstreamTimeout, err)
	}
	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval %q: %w", cfg.HeartbeatInterval, err)
	}

	storeClient := store.New(rdb, logger, cfg.DefaultDailyLimit, lockTTL)

	sel := selector.New(storeClient)

	httpClient := relay.NewHTTPClient()
	brand := relay.Brand{SourceBrand: "Claude Code", DisplayBrand: "Claude Opus"}
	rl := relay.New(httpClient, logger, relay.Identity{}, brand, upstreamTimeout, heartbeatInterval)

	slackNotifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackNotifier.IsEnabled() {
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack ops notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	auditWriter := audit.NewWriter(auditPool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	entryHandler := dispatch.New(storeClient, sel, rl, slackNotifier, logger)

	adminHandler := adminapi.NewHandler(storeClient, auditWriter, logger)
	invalidateHandler := adminapi.NewInvalidateHandler(storeClient, logger,
		cfg.InvalidateOAuthTokenURL, cfg.InvalidateOAuthClientID, cfg.InvalidateOAuthClientSecret)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, rdb, metricsReg)
	srv.MountDispatch(entryHandler)
	srv.MountAdmin(adminHandler.Routes(), invalidateHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming relays outlive a typical write timeout
		IdleTimeout:  60 * time.Second,
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

// newRedisClient connects to the single Redis instance backing the Store
// Client, the Concurrency Ledger, and the Usage Counter.
func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}
