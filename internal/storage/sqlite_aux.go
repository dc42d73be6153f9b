package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// UpsertIntent writes or replaces the intent row.
func (s *SQLiteStore) UpsertIntent(ctx context.Context, intent *model.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin upsert intent: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.upsertIntentTx(ctx, tx, intent); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit upsert intent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertIntentTx(ctx context.Context, tx *sql.Tx, intent *model.Intent) error {
	semantic, technical, checks, deps, err := encodeIntentJSON(intent)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO intents (id, source, target, status, risk_level, priority, origin_type,
			created_at, created_by, updated_at, semantic, technical, checks_required,
			dependencies, retries, tenant_id, plan_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source = excluded.source, target = excluded.target, status = excluded.status,
			risk_level = excluded.risk_level, priority = excluded.priority,
			origin_type = excluded.origin_type, updated_at = excluded.updated_at,
			semantic = excluded.semantic, technical = excluded.technical,
			checks_required = excluded.checks_required, dependencies = excluded.dependencies,
			retries = excluded.retries, tenant_id = excluded.tenant_id, plan_id = excluded.plan_id`,
		intent.ID, intent.Source, intent.Target, string(intent.Status), string(intent.RiskLevel),
		intent.Priority, string(intent.OriginType), intent.CreatedAt.UTC().Format(timeFormat),
		intent.CreatedBy, intent.UpdatedAt.UTC().Format(timeFormat),
		string(semantic), string(technical), string(checks), string(deps),
		intent.Retries, intent.TenantID, intent.PlanID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert intent %s: %w", intent.ID, err)
	}
	return nil
}

// GetIntent returns one intent or ErrNotFound.
func (s *SQLiteStore) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	intent, err := s.scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get intent %s: %w", id, err)
	}
	return intent, nil
}

// ListIntents orders by priority ascending, then created_at ascending.
func (s *SQLiteStore) ListIntents(ctx context.Context, f IntentFilter) ([]*model.Intent, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	q := `SELECT ` + intentColumns + ` FROM intents`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY priority ASC, created_at ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list intents: %w", err)
	}
	defer rows.Close()

	var out []*model.Intent
	for rows.Next() {
		intent, err := s.scanIntent(rows)
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

// sqlRow abstracts *sql.Row and *sql.Rows for shared scanning.
type sqlRow interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanIntent(row sqlRow) (*model.Intent, error) {
	var (
		intent                            model.Intent
		status, riskLevel, origin         string
		createdAt, updatedAt              string
		semantic, technical, checks, deps string
	)
	if err := row.Scan(&intent.ID, &intent.Source, &intent.Target, &status, &riskLevel,
		&intent.Priority, &origin, &createdAt, &intent.CreatedBy, &updatedAt,
		&semantic, &technical, &checks, &deps, &intent.Retries, &intent.TenantID,
		&intent.PlanID); err != nil {
		return nil, err
	}
	intent.Status = model.Status(status)
	intent.RiskLevel = model.RiskLevel(riskLevel)
	intent.OriginType = model.OriginType(origin)
	var err error
	if intent.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if intent.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := decodeIntentJSON(&intent, []byte(semantic), []byte(technical), []byte(checks), []byte(deps)); err != nil {
		return nil, err
	}
	return &intent, nil
}

// AcquireQueueLock acquires the named lock unless a live holder exists.
// Expired locks are force-released by the same statement, which keeps the
// lock kill-safe: a crashed holder is displaced once its TTL passes.
func (s *SQLiteStore) AcquireQueueLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_locks (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE queue_locks.expires_at <= excluded.acquired_at OR queue_locks.holder = excluded.holder`,
		name, holder, now.Format(timeFormat), now.Add(ttl).Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("storage: acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: acquire lock %s rows: %w", name, err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseQueueLock releases the lock when held by holder. Releasing a lock
// someone else holds, or no lock at all, is a no-op.
func (s *SQLiteStore) ReleaseQueueLock(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_locks WHERE name = ? AND holder = ?`, name, holder,
	); err != nil {
		return fmt.Errorf("storage: release lock %s: %w", name, err)
	}
	return nil
}

// QueueLockInfo returns the current lock row or ErrNotFound.
func (s *SQLiteStore) QueueLockInfo(ctx context.Context, name string) (*LockInfo, error) {
	var (
		info                 LockInfo
		acquiredAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, holder, acquired_at, expires_at FROM queue_locks WHERE name = ?`, name,
	).Scan(&info.Name, &info.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lock info %s: %w", name, err)
	}
	if info.AcquiredAt, err = time.Parse(timeFormat, acquiredAt); err != nil {
		return nil, fmt.Errorf("storage: parse acquired_at: %w", err)
	}
	if info.ExpiresAt, err = time.Parse(timeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("storage: parse expires_at: %w", err)
	}
	return &info, nil
}

// IsDuplicateDelivery reports whether this delivery ID was recorded before.
func (s *SQLiteStore) IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM deliveries WHERE delivery_id = ?)`, deliveryID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check delivery %s: %w", deliveryID, err)
	}
	return exists, nil
}

// RecordDelivery marks a delivery ID as seen. Idempotent.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (delivery_id, received_at) VALUES (?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, time.Now().UTC().Format(timeFormat),
	); err != nil {
		return fmt.Errorf("storage: record delivery %s: %w", deliveryID, err)
	}
	return nil
}

// UpsertSecurityFinding writes a finding keyed by fingerprint.
func (s *SQLiteStore) UpsertSecurityFinding(ctx context.Context, f *model.SecurityFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin upsert finding: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.upsertFindingTx(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit upsert finding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertFindingTx(ctx context.Context, tx *sql.Tx, f *model.SecurityFinding) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO security_findings (fingerprint, intent_id, scanner, category, severity,
			rule_id, path, line, message, evidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			intent_id = excluded.intent_id, severity = excluded.severity,
			message = excluded.message, evidence = excluded.evidence,
			detected_at = excluded.detected_at`,
		f.Fingerprint, f.IntentID, f.Scanner, string(f.Category), string(f.Severity),
		f.RuleID, f.Path, f.Line, f.Message, f.Evidence, f.DetectedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert finding %s: %w", f.Fingerprint, err)
	}
	return nil
}

// CountFindingsBySeverity groups findings for one intent by severity.
func (s *SQLiteStore) CountFindingsBySeverity(ctx context.Context, intentID string) (model.SeverityCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, count(*) FROM security_findings WHERE intent_id = ? GROUP BY severity`, intentID)
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
func (s *SQLiteStore) UpsertReviewTask(ctx context.Context, task *model.ReviewTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin upsert review: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.upsertReviewTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit upsert review: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertReviewTx(ctx context.Context, tx *sql.Tx, task *model.ReviewTask) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_tasks (id, intent_id, reason, status, assignee, created_at, updated_at, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, assignee = excluded.assignee,
			updated_at = excluded.updated_at, decision = excluded.decision`,
		task.ID, task.IntentID, task.Reason, string(task.Status), task.Assignee,
		task.CreatedAt.UTC().Format(timeFormat), task.UpdatedAt.UTC().Format(timeFormat), task.Decision,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert review %s: %w", task.ID, err)
	}
	return nil
}

// ListReviewTasks returns review tasks oldest first. An empty intentID or
// status leaves that dimension unfiltered.
func (s *SQLiteStore) ListReviewTasks(ctx context.Context, intentID string, status model.ReviewStatus) ([]*model.ReviewTask, error) {
	q := `SELECT id, intent_id, reason, status, assignee, created_at, updated_at, decision
		FROM review_tasks WHERE 1=1`
	var args []any
	if intentID != "" {
		q += " AND intent_id = ?"
		args = append(args, intentID)
	}
	if status != "" {
		q += " AND status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviews: %w", err)
	}
	defer rows.Close()

	var out []*model.ReviewTask
	for rows.Next() {
		var (
			task                 model.ReviewTask
			st                   string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&task.ID, &task.IntentID, &task.Reason, &st, &task.Assignee,
			&createdAt, &updatedAt, &task.Decision); err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		task.Status = model.ReviewStatus(st)
		if task.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("storage: parse review created_at: %w", err)
		}
		if task.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
			return nil, fmt.Errorf("storage: parse review updated_at: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate reviews: %w", err)
	}
	return out, nil
}

// GetChainState returns the persisted chain head or ErrNotFound.
func (s *SQLiteStore) GetChainState(ctx context.Context, name string) (*ChainState, error) {
	var (
		st        ChainState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, head, event_count, updated_at FROM chain_state WHERE name = ?`, name,
	).Scan(&st.Name, &st.Head, &st.EventCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get chain state %s: %w", name, err)
	}
	if st.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("storage: parse chain updated_at: %w", err)
	}
	return &st, nil
}

// SaveChainState writes the chain head.
func (s *SQLiteStore) SaveChainState(ctx context.Context, state *ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_state (name, head, event_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			head = excluded.head, event_count = excluded.event_count, updated_at = excluded.updated_at`,
		state.Name, state.Head, state.EventCount, time.Now().UTC().Format(timeFormat),
	); err != nil {
		return fmt.Errorf("storage: save chain state %s: %w", state.Name, err)
	}
	return nil
}
