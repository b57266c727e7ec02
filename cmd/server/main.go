/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the funds ledger server: configuration, store
  selection, engine wiring, HTTP router, graceful shutdown.

CONFIGURATION:
  Environment variables (see config package):
    PORT, STORE (memory|sqlite|postgres), SQLITE_PATH, DATABASE_URL,
    REDIS_URL, LOG_LEVEL, CURRENCY_SCALE, STRICT_IDEMPOTENCY,
    SHUTDOWN_TIMEOUT, REPLAY_TTL
  Flags override the environment for local runs:
    -port, -db (sqlite path, ":memory:" for in-memory)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait for in-flight
  requests up to SHUTDOWN_TIMEOUT, close the store.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/funds-ledger/api"
	"github.com/warp/funds-ledger/config"
	"github.com/warp/funds-ledger/ledger"
	memstore "github.com/warp/funds-ledger/ledger/store"
	"github.com/warp/funds-ledger/logging"
	"github.com/warp/funds-ledger/store/postgres"
	"github.com/warp/funds-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.Store = "sqlite"
		cfg.SQLitePath = *dbPath
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithScale(cfg.CurrencyScale),
	}
	if cfg.StrictIdempotency {
		opts = append(opts, ledger.WithStrictIdempotency())
	}
	engine := ledger.NewEngine(store, opts...)

	var replay func(http.Handler) http.Handler
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cache := redis.NewClient(redisOpts)
		defer cache.Close()
		replay = api.Replay(cache, cfg.ReplayTTL, logger)
	}

	handler := api.NewHandler(engine, cfg.CurrencyScale, logger)
	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      api.NewRouter(handler, replay),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", server.Addr),
			slog.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return memstore.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
