package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convergehq/converge/internal/model"
)

const (
	txMaxRetries  = 3
	txBaseBackoff = 50 * time.Millisecond
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// AppendEvent writes the event row and its projection in one transaction,
// retrying on serialization conflicts.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.Event, chainHash string) error {
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

	return s.retryConflicts(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		if _, err := tx.Exec(ctx, `
			INSERT INTO events (id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, chain_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))`,
			ev.ID, ev.TraceID, ev.Timestamp.UTC(), string(ev.Type),
			ev.IntentID, ev.AgentID, ev.TenantID, payload, evidence, chainHash,
		); err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}

		if err := s.applyProjection(ctx, tx, ev, proj); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit append: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) applyProjection(ctx context.Context, tx pgx.Tx, ev *model.Event, proj projection) error {
	if proj.Intent != nil {
		if err := upsertIntentTx(ctx, tx, proj.Intent); err != nil {
			return err
		}
	}
	if proj.Status != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE intents SET status = $2, retries = COALESCE($3, retries), updated_at = $4
			WHERE id = $1`,
			proj.Status.IntentID, string(proj.Status.Status), proj.Status.Retries, ev.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("storage: project status: %w", err)
		}
	}
	if proj.Finding != nil {
		if err := upsertFindingTx(ctx, tx, proj.Finding); err != nil {
			return err
		}
	}
	if proj.Review != nil {
		if err := upsertReviewTx(ctx, tx, proj.Review); err != nil {
			return err
		}
	}
	return nil
}

// QueryEvents returns matching events newest first.
func (s *PostgresStore) QueryEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if f.IntentID != "" {
		add("intent_id = $%d", f.IntentID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until.UTC())
	}

	q := `SELECT seq, id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, COALESCE(chain_hash, '') FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AllEventsAsc returns every event oldest first.
func (s *PostgresStore) AllEventsAsc(ctx context.Context) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, trace_id, ts, event_type, intent_id, agent_id, tenant_id, payload, evidence, COALESCE(chain_hash, '')
		FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query events asc: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var (
			row               eventRow
			payload, evidence []byte
		)
		if err := rows.Scan(&row.Seq, &row.ID, &row.TraceID, &row.TS, &row.Type,
			&row.IntentID, &row.AgentID, &row.TenantID, &payload, &evidence, &row.ChainHash); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev, err := row.toStored(payload, evidence)
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

// eventRow is a scan buffer for event rows.
type eventRow struct {
	Seq       int64
	ID        string
	TraceID   string
	TS        time.Time
	Type      string
	IntentID  string
	AgentID   string
	TenantID  string
	ChainHash string
}

func (r eventRow) toStored(payload, evidence []byte) (StoredEvent, error) {
	ev := model.Event{
		ID:        r.ID,
		TraceID:   r.TraceID,
		Timestamp: r.TS.UTC(),
		Type:      model.EventType(r.Type),
		IntentID:  r.IntentID,
		AgentID:   r.AgentID,
		TenantID:  r.TenantID,
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return StoredEvent{}, fmt.Errorf("storage: decode payload of %s: %w", r.ID, err)
		}
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &ev.Evidence); err != nil {
			return StoredEvent{}, fmt.Errorf("storage: decode evidence of %s: %w", r.ID, err)
		}
	}
	return StoredEvent{Seq: r.Seq, Event: ev, ChainHash: r.ChainHash}, nil
}

// CountEvents returns the total number of events.
func (s *PostgresStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

// PruneEvents removes events older than before. The audit chain must be
// re-initialized afterwards; callers own that step.
func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time, tenantID string, dryRun bool) (int64, error) {
	cond := `ts < $1`
	args := []any{before.UTC()}
	if tenantID != "" {
		cond += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	if dryRun {
		var n int64
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM events WHERE `+cond, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("storage: count prunable events: %w", err)
		}
		return n, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeEventJSON(ev *model.Event) (payload, evidence []byte, err error) {
	payload, err = json.Marshal(orEmpty(ev.Payload))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: encode payload: %w", err)
	}
	evidence, err = json.Marshal(orEmpty(ev.Evidence))
	if err != nil {
		return nil, nil, fmt.Errorf("storage: encode evidence: %w", err)
	}
	return payload, evidence, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
