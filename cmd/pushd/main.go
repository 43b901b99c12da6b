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

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/3jakoa/bonibuddy-push/pkg/logger"
	"github.com/3jakoa/bonibuddy-push/pkg/push"
)

type appConfig struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	StorageDriver string `env:"PUSH_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"PUSH_SQLITE_PATH" envDefault:"data/push.sqlite3"`

	Push     push.Config
	Postgres push.PostgresConfig
	Log      logger.Config
}

// pushStorage is what the daemon needs beyond the engine's Storage:
// a connectivity probe for the health endpoint.
type pushStorage interface {
	push.Storage
	Ping(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	log := logger.New(cfg.Log, os.Stdout, slog.String("service", "pushd"))
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc, err := push.NewService(store, cfg.Push, push.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create push service: %w", err)
	}

	worker, err := push.NewWorker(svc, push.WithWorkerLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create push worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start push worker: %w", err)
	}
	defer func() {
		if err := worker.Stop(); err != nil && !errors.Is(err, push.ErrWorkerNotStarted) {
			log.Error("failed to stop push worker", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(svc, store, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

func openStorage(ctx context.Context, cfg appConfig) (pushStorage, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		store, err := push.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := push.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
