package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/convergehq/converge/internal/checks"
	"github.com/convergehq/converge/internal/config"
	"github.com/convergehq/converge/internal/engine"
	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/intake"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/queue"
	"github.com/convergehq/converge/internal/review"
	"github.com/convergehq/converge/internal/scm"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/migrations"
)

// app wires the shared services a CLI command needs. Commands that only
// touch the store or the log use openApp; commands that validate or process
// additionally build the engine or processor from it.
type app struct {
	cfg    config.Config
	store  storage.Store
	log    *eventlog.Log
	flags  *flags.Registry
	policy *config.Policy
	close  func()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var store storage.Store
	var closeStore func()
	switch cfg.StorageBackend {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.Postgres); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store, closeStore = pg, pg.Close
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		sq, err := storage.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		if err := sq.RunMigrations(ctx, migrations.SQLite); err != nil {
			sq.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		store, closeStore = sq, sq.Close
	}

	// Flag changes are themselves events. The registry is built before the
	// log exists, so the change func captures the variable, not the value.
	var log *eventlog.Log
	reg, err := flags.New(func(name string, enabled bool, mode flags.Mode) {
		if log == nil {
			return
		}
		err := log.Append(context.Background(), &model.Event{
			Type:    model.EventFeatureFlagChanged,
			Payload: map[string]any{"flag": name, "enabled": enabled, "mode": string(mode)},
		})
		if err != nil {
			logger.Warn("flag change event failed", "flag", name, "error", err)
		}
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	log = eventlog.New(store, reg, logger)

	pol, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store,
		log:    log,
		flags:  reg,
		policy: pol,
		close:  closeStore,
	}, nil
}

// engine builds a validation engine against the configured repository.
func (a *app) engine(ctx context.Context) (*engine.Engine, error) {
	git, err := scm.NewGit(ctx, a.cfg.RepoPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", a.cfg.RepoPath, err)
	}
	return engine.New(engine.Deps{
		Store:   a.store,
		Log:     a.log,
		SCM:     git,
		Checks:  checks.NewRunner(a.cfg.RepoPath, a.cfg.CheckTimeout, a.cfg.CheckOutputLimit, logger),
		Flags:   a.flags,
		Policy:  a.policy,
		Reviews: review.New(a.log, a.store, logger),
		Config:  a.cfg,
		Logger:  logger,
	}), nil
}

// processor builds a queue processor over the engine.
func (a *app) processor(ctx context.Context) (*queue.Processor, error) {
	eng, err := a.engine(ctx)
	if err != nil {
		return nil, err
	}
	git, err := scm.NewGit(ctx, a.cfg.RepoPath, logger)
	if err != nil {
		return nil, err
	}
	return queue.New(queue.Deps{
		Store:     a.store,
		Log:       a.log,
		Validator: eng,
		SCM:       git,
		Reviews:   review.New(a.log, a.store, logger),
		Intake:    intake.New(a.log, a.store, a.flags, logger),
		Policy:    a.policy,
		Config:    a.cfg,
		Logger:    logger,
	}), nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
