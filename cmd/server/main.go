/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payday ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger
  3. Open the store (SQLite or PostgreSQL)
  4. Optionally connect the Redis balance cache and Kafka publisher
  5. Build the ledger, API handler and router
  6. Start the pending-activity sweeper (if configured)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML config file
  -port    HTTP server port (overrides server.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  Every config key can be set as PAYDAY_<SECTION>_<KEY>, for example
  PAYDAY_DATABASE_DRIVER=postgres. A .env file is loaded if present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close Kafka, Redis and the database
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/homepayday/payday/api"
	"github.com/homepayday/payday/cache/redis"
	"github.com/homepayday/payday/config"
	"github.com/homepayday/payday/events/kafka"
	"github.com/homepayday/payday/ledger"
	"github.com/homepayday/payday/logging"
	"github.com/homepayday/payday/store/postgres"
	"github.com/homepayday/payday/store/sqlite"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	opts := []ledger.Option{
		ledger.WithLogger(logger.With().Str("component", "ledger").Logger()),
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts:    cfg.Reconcile.MaxAttempts,
			InitialBackoff: cfg.Reconcile.InitialBackoff,
			MaxBackoff:     cfg.Reconcile.MaxBackoff,
		}),
	}

	if cfg.Redis.Enabled {
		rdb, err := redis.Dial(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without balance cache")
		} else {
			defer closeRedis(rdb, logger)
			opts = append(opts, ledger.WithCache(redis.NewBalanceCache(rdb, cfg.Redis.TTL)))
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("balance cache enabled")
		}
	}

	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("kafka publisher close failed")
			}
		}()
		opts = append(opts, ledger.WithNotifier(publisher))
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("balance events enabled")
	}

	l := ledger.New(store, opts...)

	sweeper := ledger.NewSweeper(l, cfg.Reconcile.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(l, logger)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			User:            cfg.User,
			Password:        cfg.Password,
			Name:            cfg.Name,
			SSLMode:         cfg.SSLMode,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			LockTimeout:     cfg.LockTimeout,
		})
	default:
		return sqlite.New(cfg.Path)
	}
}

func closeRedis(rdb *goredis.Client, logger zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("redis close failed")
	}
}
