package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seqlab/conveyor/internal/backend"
	"github.com/seqlab/conveyor/internal/engine"
	"github.com/seqlab/conveyor/internal/httpapi"
	"github.com/seqlab/conveyor/internal/janitor"
	"github.com/seqlab/conveyor/internal/logging"
	"github.com/seqlab/conveyor/internal/store"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg)

	if ov := overrides(cfg); len(ov) > 0 {
		logger.Info("config overrides", "fields", ov)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	be := backend.NewJSONRPCClient(cfg.BackendURL, cfg.BackendToken, duration(cfg.BackendTimeout, 30*time.Second))
	manager := engine.NewManager(st, be, cfg.MaxParallel, logger)

	eng := engine.New(st, be, engine.Config{
		PollInterval:   duration(cfg.PollInterval, 5*time.Second),
		Workers:        cfg.Workers,
		SubmitRetryMax: cfg.SubmitRetryMax,
		AutoResume:     cfg.AutoResume,
	}, logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	jan, err := janitor.New(st, janitor.Config{
		RetentionDays:  cfg.RetentionDays,
		CronExpression: cfg.CleanupCron,
	}, logger)
	if err != nil {
		return err
	}
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	api := httpapi.NewServer(manager, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.ListenAddr,
			"db", cfg.DBPath,
			"backend", cfg.BackendURL,
			"poll_interval", cfg.PollInterval,
			"retention_days", cfg.RetentionDays)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
