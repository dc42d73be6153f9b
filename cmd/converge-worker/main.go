package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/convergehq/converge/internal/checks"
	"github.com/convergehq/converge/internal/config"
	"github.com/convergehq/converge/internal/engine"
	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/intake"
	"github.com/convergehq/converge/internal/queue"
	"github.com/convergehq/converge/internal/review"
	"github.com/convergehq/converge/internal/scm"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/telemetry"
	"github.com/convergehq/converge/internal/worker"
	"github.com/convergehq/converge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CONVERGE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// .env is optional; production sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("converge-worker starting",
		"version", version, "backend", cfg.StorageBackend, "poll_interval", cfg.PollInterval)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	var store storage.Store
	switch cfg.StorageBackend {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx, migrations.Postgres); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = pg
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("storage: %w", err)
			}
		}
		sq, err := storage.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer sq.Close()
		if err := sq.RunMigrations(ctx, migrations.SQLite); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = sq
	}

	reg, err := flags.New(nil)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	log := eventlog.New(store, reg, logger)

	pol, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	git, err := scm.NewGit(ctx, cfg.RepoPath, logger)
	if err != nil {
		return fmt.Errorf("repository %s: %w", cfg.RepoPath, err)
	}

	reviews := review.New(log, store, logger)
	eng := engine.New(engine.Deps{
		Store:   store,
		Log:     log,
		SCM:     git,
		Checks:  checks.NewRunner(cfg.RepoPath, cfg.CheckTimeout, cfg.CheckOutputLimit, logger),
		Flags:   reg,
		Policy:  pol,
		Reviews: reviews,
		Config:  cfg,
		Logger:  logger,
	})
	proc := queue.New(queue.Deps{
		Store:     store,
		Log:       log,
		Validator: eng,
		SCM:       git,
		Reviews:   reviews,
		Intake:    intake.New(log, store, reg, logger),
		Policy:    pol,
		Config:    cfg,
		Logger:    logger,
	})

	w := worker.New(proc, log, cfg.PollInterval, logger)
	if cfg.OTELEndpoint != "" {
		metrics, err := telemetry.NewMetrics()
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		w = w.WithMetrics(metrics)
	}

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	slog.Info("converge-worker stopped")
	return nil
}
