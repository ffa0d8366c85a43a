package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/khamenkhai/taxi-ride-socket/internal/config"
	"github.com/khamenkhai/taxi-ride-socket/internal/dispatch"
	"github.com/khamenkhai/taxi-ride-socket/internal/httpapi"
	"github.com/khamenkhai/taxi-ride-socket/internal/ingest"
	"github.com/khamenkhai/taxi-ride-socket/internal/logging"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/registry"
	"github.com/khamenkhai/taxi-ride-socket/internal/session"
	"github.com/khamenkhai/taxi-ride-socket/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// backend priority: postgres, redis, memory
	var (
		st    store.RideStore
		ready func(*http.Request) error
	)
	switch {
	case cfg.PGDSN != "":
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		pg, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		logger.Info("using postgres ride store")
	case cfg.RedisAddr != "":
		rs := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		st = rs
		ready = func(r *http.Request) error { return rs.Ping(r.Context()) }
		logger.Info("using redis ride store", "addr", cfg.RedisAddr)
	default:
		st = store.NewMemoryStore()
		logger.Info("using in-memory ride store")
	}

	hub := pubsub.NewHub()
	reg := registry.New(st, hub, logging.ForComponent(logger, "registry"))

	sm := session.NewManager(st, hub, logging.ForComponent(logger, "session"), session.Options{
		Retention:           cfg.RetentionGrace,
		LocationMinInterval: cfg.LocationMinInterval,
	})
	coord := dispatch.NewCoordinator(st, hub, reg, logging.ForComponent(logger, "dispatch"), dispatch.Options{
		Timeout:       cfg.DispatchTimeout,
		MaxCandidates: cfg.DispatchCandidates,
		Retention:     cfg.RetentionGrace,
	})
	sm.SetDispatcher(coord)

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sm.SetLocationSink(producer)
		logger.Info("location stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	api := httpapi.NewServer(hub, sm, reg, logging.ForComponent(logger, "http"), ready)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("taxi-ride-socket listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration skipped", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Warn("migration skipped", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
