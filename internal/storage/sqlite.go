package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/convergehq/converge/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. This is the
// default backend: a single file, no server. SQLite allows one writer at a
// time, so writes are serialized behind a mutex instead of relying on
// busy-timeout retries.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex // serializes writes
}

var _ Store = (*SQLiteStore)(nil)

// timeFormat keeps lexical and chronological order identical for stored
// timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLite opens (creating if needed) the database at path. ":memory:" is
// supported for tests.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// A single connection sidesteps table-lock contention between the
	// serialized writer and concurrent readers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// RunMigrations executes unapplied SQL migration files in order, tracking
// them in a schema_migrations table.
func (s *SQLiteStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate applied migrations: %w", err)
	}

	for _, name := range sortedSQLFiles(migrationsFS) {
		if applied[name] {
			s.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendEvent writes the event row and its projection in one transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.Event, chainHash string) error {
	if !ev.Type.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
	proj, err := projectEvent(ev)
	if err != nil {
		return err
	}
	payload, evidence, err := encodeEventJSON(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		ev.ID, ev.TraceID, ev.Timestamp.UTC().Format(timeFormat), string(ev.Type),
		ev.IntentID, ev.AgentID, ev.TenantID, string(payload), string(evidence), chainHash,
	); err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}

	if proj.Intent != nil {
		if err := s.upsertIntentTx(ctx, tx, proj.Intent); err != nil {
			return err
		}
	}
	if proj.Status != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE intents SET status = ?, retries = COALESCE(?, retries), updated_at = ?
			WHERE id = ?`,
			string(proj.Status.Status), proj.Status.Retries,
			ev.Timestamp.UTC().Format(timeFormat), proj.Status.IntentID,
		); err != nil {
			return fmt.Errorf("storage: project status: %w", err)
		}
	}
	if proj.Finding != nil {
		if err := s.upsertFindingTx(ctx, tx, proj.Finding); err != nil {
			return err
		}
	}
	if proj.Review != nil {
		if err := s.upsertReviewTx(ctx, tx, proj.Review); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit append: %w", err)
	}
	return nil
}

// QueryEvents returns matching events newest first.
func (s *SQLiteStore) QueryEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		conds = append(conds, cond)
		args = append(args, val)
	}
	if f.Type != "" {
		add("event_type = ?", string(f.Type))
	}
	if f.IntentID != "" {
		add("intent_id = ?", f.IntentID)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UTC().Format(timeFormat))
	}
	if !f.Until.IsZero() {
		add("ts <= ?", f.Until.UTC().Format(timeFormat))
	}

	q := `SELECT seq, id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, COALESCE(chain_hash, '') FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// AllEventsAsc returns every event oldest first.
func (s *SQLiteStore) AllEventsAsc(ctx context.Context) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, COALESCE(chain_hash, '')
		FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query events asc: %w", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *SQLiteStore) scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var (
			row               eventRow
			ts                string
			payload, evidence string
		)
		if err := rows.Scan(&row.Seq, &row.ID, &row.TraceID, &ts, &row.Type,
			&row.IntentID, &row.AgentID, &row.TenantID, &payload, &evidence, &row.ChainHash); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		parsed, err := time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: parse event timestamp: %w", err)
		}
		row.TS = parsed
		ev, err := row.toStored([]byte(payload), []byte(evidence))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate events: %w", err)
	}
	return out, nil
}

// CountEvents returns the total number of events.
func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

// PruneEvents removes events older than before.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time, tenantID string, dryRun bool) (int64, error) {
	cond := `ts < ?`
	args := []any{before.UTC().Format(timeFormat)}
	if tenantID != "" {
		cond += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if dryRun {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE `+cond, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("storage: count prunable events: %w", err)
		}
		return n, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: prune events rows: %w", err)
	}
	return n, nil
}
