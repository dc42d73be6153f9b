package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/convergehq/converge/internal/model"
)

// UpsertIntent writes or replaces the intent row.
func (s *PostgresStore) UpsertIntent(ctx context.Context, intent *model.Intent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert intent: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := upsertIntentTx(ctx, tx, intent); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert intent: %w", err)
	}
	return nil
}

func upsertIntentTx(ctx context.Context, tx pgx.Tx, intent *model.Intent) error {
	semantic, technical, checks, deps, err := encodeIntentJSON(intent)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO intents (id, source, target, status, risk_level, priority, origin_type,
			created_at, created_by, updated_at, semantic, technical, checks_required,
			dependencies, retries, tenant_id, plan_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source, target = EXCLUDED.target, status = EXCLUDED.status,
			risk_level = EXCLUDED.risk_level, priority = EXCLUDED.priority,
			origin_type = EXCLUDED.origin_type, updated_at = EXCLUDED.updated_at,
			semantic = EXCLUDED.semantic, technical = EXCLUDED.technical,
			checks_required = EXCLUDED.checks_required, dependencies = EXCLUDED.dependencies,
			retries = EXCLUDED.retries, tenant_id = EXCLUDED.tenant_id, plan_id = EXCLUDED.plan_id`,
		intent.ID, intent.Source, intent.Target, string(intent.Status), string(intent.RiskLevel),
		intent.Priority, string(intent.OriginType), intent.CreatedAt.UTC(), intent.CreatedBy,
		intent.UpdatedAt.UTC(), semantic, technical, checks, deps,
		intent.Retries, intent.TenantID, intent.PlanID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert intent %s: %w", intent.ID, err)
	}
	return nil
}

const intentColumns = `id, source, target, status, risk_level, priority, origin_type,
	created_at, created_by, updated_at, semantic, technical, checks_required,
	dependencies, retries, tenant_id, plan_id`

// GetIntent returns one intent or ErrNotFound.
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get intent %s: %w", id, err)
	}
	return intent, nil
}

// ListIntents orders by priority ascending, then created_at ascending.
func (s *PostgresStore) ListIntents(ctx context.Context, f IntentFilter) ([]*model.Intent, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	q := `SELECT ` + intentColumns + ` FROM intents`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY priority ASC, created_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list intents: %w", err)
	}
	defer rows.Close()

	var out []*model.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan intent: %w", err)
		}
		out = append(out, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate intents: %w", err)
	}
	return out, nil
}

func scanIntent(row pgx.Row) (*model.Intent, error) {
	var (
		intent                          model.Intent
		status, riskLevel, origin       string
		semantic, technical, checks, deps []byte
	)
	if err := row.Scan(&intent.ID, &intent.Source, &intent.Target, &status, &riskLevel,
		&intent.Priority, &origin, &intent.CreatedAt, &intent.CreatedBy, &intent.UpdatedAt,
		&semantic, &technical, &checks, &deps, &intent.Retries, &intent.TenantID,
		&intent.PlanID); err != nil {
		return nil, err
	}
	intent.Status = model.Status(status)
	intent.RiskLevel = model.RiskLevel(riskLevel)
	intent.OriginType = model.OriginType(origin)
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.UpdatedAt = intent.UpdatedAt.UTC()
	if err := decodeIntentJSON(&intent, semantic, technical, checks, deps); err != nil {
		return nil, err
	}
	return &intent, nil
}

func encodeIntentJSON(intent *model.Intent) (semantic, technical, checks, deps []byte, err error) {
	if semantic, err = json.Marshal(orEmpty(intent.Semantic)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode semantic: %w", err)
	}
	if technical, err = json.Marshal(orEmpty(intent.Technical)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode technical: %w", err)
	}
	if checks, err = json.Marshal(orEmptySlice(intent.ChecksRequired)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode checks_required: %w", err)
	}
	if deps, err = json.Marshal(orEmptySlice(intent.Dependencies)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode dependencies: %w", err)
	}
	return semantic, technical, checks, deps, nil
}

func decodeIntentJSON(intent *model.Intent, semantic, technical, checks, deps []byte) error {
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{semantic, &intent.Semantic},
		{technical, &intent.Technical},
		{checks, &intent.ChecksRequired},
		{deps, &intent.Dependencies},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return fmt.Errorf("storage: decode intent field: %w", err)
		}
	}
	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// AcquireQueueLock acquires the named lock unless a live holder exists.
// Expired locks are force-released by the same statement, which keeps the
// lock kill-safe: a crashed holder is displaced once its TTL passes.
func (s *PostgresStore) AcquireQueueLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO queue_locks (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE queue_locks.expires_at <= EXCLUDED.acquired_at OR queue_locks.holder = EXCLUDED.holder`,
		name, holder, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("storage: acquire lock %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseQueueLock releases the lock when held by holder. Releasing a lock
// someone else holds, or no lock at all, is a no-op.
func (s *PostgresStore) ReleaseQueueLock(ctx context.Context, name, holder string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM queue_locks WHERE name = $1 AND holder = $2`, name, holder,
	); err != nil {
		return fmt.Errorf("storage: release lock %s: %w", name, err)
	}
	return nil
}

// QueueLockInfo returns the current lock row or ErrNotFound.
func (s *PostgresStore) QueueLockInfo(ctx context.Context, name string) (*LockInfo, error) {
	var info LockInfo
	err := s.pool.QueryRow(ctx,
		`SELECT name, holder, acquired_at, expires_at FROM queue_locks WHERE name = $1`, name,
	).Scan(&info.Name, &info.Holder, &info.AcquiredAt, &info.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lock info %s: %w", name, err)
	}
	info.AcquiredAt = info.AcquiredAt.UTC()
	info.ExpiresAt = info.ExpiresAt.UTC()
	return &info, nil
}

// IsDuplicateDelivery reports whether this delivery ID was recorded before.
func (s *PostgresStore) IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE delivery_id = $1)`, deliveryID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check delivery %s: %w", deliveryID, err)
	}
	return exists, nil
}

// RecordDelivery marks a delivery ID as seen. Idempotent.
func (s *PostgresStore) RecordDelivery(ctx context.Context, deliveryID string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO deliveries (delivery_id, received_at) VALUES ($1, $2)
		ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: record delivery %s: %w", deliveryID, err)
	}
	return nil
}

// UpsertSecurityFinding writes a finding keyed by fingerprint.
func (s *PostgresStore) UpsertSecurityFinding(ctx context.Context, f *model.SecurityFinding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert finding: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := upsertFindingTx(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert finding: %w", err)
	}
	return nil
}

func upsertFindingTx(ctx context.Context, tx pgx.Tx, f *model.SecurityFinding) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO security_findings (fingerprint, intent_id, scanner, category, severity,
			rule_id, path, line, message, evidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO UPDATE SET
			intent_id = EXCLUDED.intent_id, severity = EXCLUDED.severity,
			message = EXCLUDED.message, evidence = EXCLUDED.evidence,
			detected_at = EXCLUDED.detected_at`,
		f.Fingerprint, f.IntentID, f.Scanner, string(f.Category), string(f.Severity),
		f.RuleID, f.Path, f.Line, f.Message, f.Evidence, f.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert finding %s: %w", f.Fingerprint, err)
	}
	return nil
}

// CountFindingsBySeverity groups findings for one intent by severity.
func (s *PostgresStore) CountFindingsBySeverity(ctx context.Context, intentID string) (model.SeverityCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT severity, count(*) FROM security_findings WHERE intent_id = $1 GROUP BY severity`, intentID)
	if err != nil {
		return nil, fmt.Errorf("storage: count findings: %w", err)
	}
	defer rows.Close()

	counts := make(model.SeverityCounts)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("storage: scan finding count: %w", err)
		}
		counts[model.FindingSeverity(sev)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate finding counts: %w", err)
	}
	return counts, nil
}

// UpsertReviewTask writes a review task keyed by id.
func (s *PostgresStore) UpsertReviewTask(ctx context.Context, task *model.ReviewTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert review: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := upsertReviewTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit upsert review: %w", err)
	}
	return nil
}

func upsertReviewTx(ctx context.Context, tx pgx.Tx, task *model.ReviewTask) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO review_tasks (id, intent_id, reason, status, assignee, created_at, updated_at, decision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, assignee = EXCLUDED.assignee,
			updated_at = EXCLUDED.updated_at, decision = EXCLUDED.decision`,
		task.ID, task.IntentID, task.Reason, string(task.Status), task.Assignee,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(), task.Decision,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert review %s: %w", task.ID, err)
	}
	return nil
}

// ListReviewTasks returns review tasks oldest first. An empty intentID or
// status leaves that dimension unfiltered.
func (s *PostgresStore) ListReviewTasks(ctx context.Context, intentID string, status model.ReviewStatus) ([]*model.ReviewTask, error) {
	q := `SELECT id, intent_id, reason, status, assignee, created_at, updated_at, decision
		FROM review_tasks WHERE 1=1`
	var args []any
	if intentID != "" {
		args = append(args, intentID)
		q += fmt.Sprintf(" AND intent_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviews: %w", err)
	}
	defer rows.Close()

	var out []*model.ReviewTask
	for rows.Next() {
		var task model.ReviewTask
		var st string
		if err := rows.Scan(&task.ID, &task.IntentID, &task.Reason, &st, &task.Assignee,
			&task.CreatedAt, &task.UpdatedAt, &task.Decision); err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		task.Status = model.ReviewStatus(st)
		task.CreatedAt = task.CreatedAt.UTC()
		task.UpdatedAt = task.UpdatedAt.UTC()
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate reviews: %w", err)
	}
	return out, nil
}

// GetChainState returns the persisted chain head or ErrNotFound.
func (s *PostgresStore) GetChainState(ctx context.Context, name string) (*ChainState, error) {
	var st ChainState
	err := s.pool.QueryRow(ctx,
		`SELECT name, head, event_count, updated_at FROM chain_state WHERE name = $1`, name,
	).Scan(&st.Name, &st.Head, &st.EventCount, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get chain state %s: %w", name, err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

// SaveChainState writes the chain head.
func (s *PostgresStore) SaveChainState(ctx context.Context, state *ChainState) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO chain_state (name, head, event_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			head = EXCLUDED.head, event_count = EXCLUDED.event_count, updated_at = EXCLUDED.updated_at`,
		state.Name, state.Head, state.EventCount, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: save chain state %s: %w", state.Name, err)
	}
	return nil
}
