/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the caregiver attendance server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment, apply command-line flags
  2. Open the store (memory, SQLite or PostgreSQL)
  3. Optionally move challenges and events to Redis
  4. Build the notifier chain (log, NATS, Kafka)
  5. Load the holiday calendar (+ optional YAML extras)
  6. Configure HTTP router, start the maintenance scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (PORT, default 8080)
  -db      SQLite database path (SQLITE_PATH, default attendance.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  STORE_DRIVER        memory | sqlite | postgres
  DATABASE_URL        PostgreSQL URL (postgres driver)
  CHALLENGE_BACKEND   store | redis; REDIS_URL for redis
  NATS_URL            publish notifications to NATS
  KAFKA_BROKERS       publish notifications to Kafka (KAFKA_TOPIC)
  HOLIDAYS_FILE       YAML file with extra holidays
  FALLBACK_RATE       hourly rate used when no rate entry applies
  PURGE_INTERVAL, PURGE_RETENTION, NOTIFY_TIMEOUT, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close brokers and stores
  4. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/warp/care-attendance/api"
	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/attendance/store"
	"github.com/warp/care-attendance/calendar"
	"github.com/warp/care-attendance/config"
	"github.com/warp/care-attendance/logger"
	"github.com/warp/care-attendance/notify"
	"github.com/warp/care-attendance/store/postgres"
	"github.com/warp/care-attendance/store/redis"
	"github.com/warp/care-attendance/store/sqlite"
)

// fullStore is what every store driver provides.
type fullStore interface {
	attendance.BeneficiaryDirectory
	attendance.EventLedger
	attendance.RateHistoryStore
	attendance.Registry
	attendance.ChallengePurger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Store.SQLitePath = *dbPath

	log := logger.New(os.Stdout, cfg.LogLevel)
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	// Initialize store
	st, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	stores := api.Stores{Directory: st, Ledger: st, Rates: st, Registry: st}
	var purger attendance.ChallengePurger = st

	if cfg.Redis.Challenges == config.ChallengesRedis {
		client, err := redis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		ledger := redis.NewLedger(client)
		closers = append(closers, ledger)
		stores.Ledger = ledger
		purger = ledger
		log.Info("challenges and events stored in redis")
	}

	// Notifiers
	notifier, notifyClosers, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, notifyClosers...)

	// Holiday calendar
	cal := calendar.New()
	if cfg.Billing.HolidaysFile != "" {
		n, err := cal.LoadYAMLFile(cfg.Billing.HolidaysFile)
		if err != nil {
			return fmt.Errorf("load holidays: %w", err)
		}
		log.Info("extra holidays loaded", "file", cfg.Billing.HolidaysFile, "count", n)
	}

	// Initialize handler
	handler := api.NewHandler(api.Deps{
		Stores:       stores,
		Calendar:     cal,
		Notifier:     notifier,
		FallbackRate: cfg.Billing.FallbackRate,
		Logger:       log,
	})
	handler.BatchParallelism = cfg.Billing.BatchParallelism

	scheduler := api.NewMaintenanceScheduler(purger, nil, log)
	scheduler.Interval = cfg.Maintenance.PurgeInterval
	scheduler.Retention = cfg.Maintenance.PurgeRetention
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (fullStore, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil, nil
	case config.DriverPostgres:
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return pg, pg, nil
	default:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return db, db, nil
	}
}

// buildNotifier always logs and additionally publishes to every configured
// broker.
func buildNotifier(cfg *config.Config, log *slog.Logger) (attendance.Notifier, []io.Closer, error) {
	chain := notify.Multi{notify.LogNotifier{Logger: log}}
	var closers []io.Closer

	if cfg.NATS.URL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATS.URL)
		if err != nil {
			return nil, closers, err
		}
		chain = append(chain, n)
		closers = append(closers, n)
		log.Info("publishing notifications to nats", "url", cfg.NATS.URL)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, closers, err
		}
		chain = append(chain, k)
		closers = append(closers, k)
		log.Info("publishing notifications to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	return notify.WithTimeout(chain, cfg.Maintenance.NotifyTimeout), closers, nil
}
