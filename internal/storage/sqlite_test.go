package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/testutil"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := testutil.NewSQLiteStore(context.Background(), t.TempDir(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func testIntent(id string) *model.Intent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Intent{
		ID:         id,
		Source:     "feature/payments",
		Target:     "main",
		Status:     model.StatusDraft,
		RiskLevel:  model.RiskMedium,
		Priority:   3,
		OriginType: model.OriginHuman,
		CreatedAt:  now,
		CreatedBy:  "dev@example.com",
		UpdatedAt:  now,
		Semantic:   map[string]any{"purpose": "add payment retries"},
		Technical:  map[string]any{"scope_hint": []any{"payments"}},
	}
}

func createdEvent(intent *model.Intent) *model.Event {
	return &model.Event{
		ID:        model.NewEventID(),
		TraceID:   model.NewTraceID(),
		Timestamp: intent.CreatedAt,
		Type:      model.EventIntentCreated,
		IntentID:  intent.ID,
		AgentID:   intent.CreatedBy,
		Payload:   map[string]any{"intent": intent},
	}
}

func TestAppendEventProjectsIntent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	intent := testIntent("abc123def456")
	require.NoError(t, store.AppendEvent(ctx, createdEvent(intent), ""))

	got, err := store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, intent.ID, got.ID)
	require.Equal(t, model.StatusDraft, got.Status)
	require.Equal(t, "main", got.Target)
	require.Equal(t, 3, got.Priority)
	require.True(t, got.CreatedAt.Equal(intent.CreatedAt))
	require.Equal(t, "add payment retries", got.Semantic["purpose"])
}

func TestAppendEventProjectsStatusChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	intent := testIntent("abc123def456")
	require.NoError(t, store.AppendEvent(ctx, createdEvent(intent), ""))

	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: intent.CreatedAt.Add(time.Minute),
		Type:      model.EventIntentValidated,
		IntentID:  intent.ID,
		Payload:   map[string]any{"status": string(model.StatusValidated)},
	}, ""))

	got, err := store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusValidated, got.Status)
	require.Equal(t, 0, got.Retries)

	// Requeue bumps retries via the payload.
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: intent.CreatedAt.Add(2 * time.Minute),
		Type:      model.EventIntentRequeued,
		IntentID:  intent.ID,
		Payload:   map[string]any{"status": string(model.StatusReady), "retries": 1},
	}, ""))

	got, err = store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, got.Status)
	require.Equal(t, 1, got.Retries)
}

func TestAppendEventRejectsUnknownType(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendEvent(context.Background(), &model.Event{
		ID:        model.NewEventID(),
		Timestamp: time.Now().UTC(),
		Type:      model.EventType("intent.sparkled"),
	}, "")
	require.ErrorIs(t, err, storage.ErrUnknownEventType)
}

func TestReplayRebuildsProjections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	intent := testIntent("abc123def456")
	require.NoError(t, store.AppendEvent(ctx, createdEvent(intent), ""))
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: intent.CreatedAt.Add(time.Minute),
		Type:      model.EventIntentValidated,
		IntentID:  intent.ID,
		Payload:   map[string]any{"status": string(model.StatusValidated)},
	}, ""))

	before, err := store.GetIntent(ctx, intent.ID)
	require.NoError(t, err)

	// Replay the full log into a fresh store; projections must match.
	events, err := store.AllEventsAsc(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	fresh := newTestStore(t)
	for i := range events {
		require.NoError(t, fresh.AppendEvent(ctx, &events[i].Event, events[i].ChainHash))
	}
	after, err := fresh.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Retries, after.Retries)
	require.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestQueryEventsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := testIntent("aaaaaaaaaaaa")
	b := testIntent("bbbbbbbbbbbb")
	require.NoError(t, store.AppendEvent(ctx, createdEvent(a), ""))
	require.NoError(t, store.AppendEvent(ctx, createdEvent(b), ""))
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: a.CreatedAt.Add(time.Minute),
		Type:      model.EventIntentValidated,
		IntentID:  a.ID,
		Payload:   map[string]any{"status": string(model.StatusValidated)},
	}, ""))

	byIntent, err := store.QueryEvents(ctx, storage.EventFilter{IntentID: a.ID})
	require.NoError(t, err)
	require.Len(t, byIntent, 2)
	// Newest first.
	require.Equal(t, model.EventIntentValidated, byIntent[0].Event.Type)

	byType, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventIntentCreated})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	limited, err := store.QueryEvents(ctx, storage.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestChainHashPersistence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	intent := testIntent("abc123def456")
	require.NoError(t, store.AppendEvent(ctx, createdEvent(intent), "deadbeef"))

	events, err := store.AllEventsAsc(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "deadbeef", events[0].ChainHash)
	require.Equal(t, int64(1), events[0].Seq)
}

func TestListIntentsOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	urgent := testIntent("cccccccccccc")
	urgent.Priority = 1
	urgent.CreatedAt = urgent.CreatedAt.Add(time.Hour)
	urgent.UpdatedAt = urgent.CreatedAt
	older := testIntent("aaaaaaaaaaaa")
	newer := testIntent("bbbbbbbbbbbb")
	newer.CreatedAt = newer.CreatedAt.Add(30 * time.Minute)
	newer.UpdatedAt = newer.CreatedAt

	for _, in := range []*model.Intent{newer, urgent, older} {
		require.NoError(t, store.UpsertIntent(ctx, in))
	}

	got, err := store.ListIntents(ctx, storage.IntentFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, urgent.ID, got[0].ID) // priority wins
	require.Equal(t, older.ID, got[1].ID)  // then created_at
	require.Equal(t, newer.ID, got[2].ID)

	drafts, err := store.ListIntents(ctx, storage.IntentFilter{Status: model.StatusDraft, Limit: 2})
	require.NoError(t, err)
	require.Len(t, drafts, 2)
}

func TestGetIntentNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetIntent(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueueLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AcquireQueueLock(ctx, "queue", "worker-1", time.Minute))

	// Second holder is rejected while the lock is live.
	err := store.AcquireQueueLock(ctx, "queue", "worker-2", time.Minute)
	require.ErrorIs(t, err, storage.ErrLockHeld)

	// Same holder re-acquires (TTL refresh).
	require.NoError(t, store.AcquireQueueLock(ctx, "queue", "worker-1", time.Minute))

	info, err := store.QueueLockInfo(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, "worker-1", info.Holder)
	require.True(t, info.ExpiresAt.After(info.AcquiredAt))

	// Release by a non-holder is a no-op.
	require.NoError(t, store.ReleaseQueueLock(ctx, "queue", "worker-2"))
	_, err = store.QueueLockInfo(ctx, "queue")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseQueueLock(ctx, "queue", "worker-1"))
	_, err = store.QueueLockInfo(ctx, "queue")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.AcquireQueueLock(ctx, "queue", "worker-2", time.Minute))
}

func TestQueueLockExpiredIsDisplaced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Negative TTL makes the lock expired on arrival.
	require.NoError(t, store.AcquireQueueLock(ctx, "queue", "crashed", -time.Second))
	require.NoError(t, store.AcquireQueueLock(ctx, "queue", "worker-2", time.Minute))

	info, err := store.QueueLockInfo(ctx, "queue")
	require.NoError(t, err)
	require.Equal(t, "worker-2", info.Holder)
}

func TestDeliveryDedup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dup, err := store.IsDuplicateDelivery(ctx, "gh-delivery-1")
	require.NoError(t, err)
	require.False(t, dup)

	require.NoError(t, store.RecordDelivery(ctx, "gh-delivery-1"))
	require.NoError(t, store.RecordDelivery(ctx, "gh-delivery-1")) // idempotent

	dup, err = store.IsDuplicateDelivery(ctx, "gh-delivery-1")
	require.NoError(t, err)
	require.True(t, dup)
}

func TestSecurityFindings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	findings := []*model.SecurityFinding{
		{Fingerprint: "fp-1", IntentID: "abc123def456", Scanner: "gitleaks", Category: model.CategorySecrets, Severity: model.SeverityHigh, RuleID: "aws-key", Path: "config.go", Line: 12, DetectedAt: now},
		{Fingerprint: "fp-2", IntentID: "abc123def456", Scanner: "semgrep", Category: model.CategorySAST, Severity: model.SeverityCritical, RuleID: "sql-injection", Path: "db.go", Line: 40, DetectedAt: now},
		{Fingerprint: "fp-3", IntentID: "abc123def456", Scanner: "semgrep", Category: model.CategorySAST, Severity: model.SeverityHigh, RuleID: "xss", Path: "web.go", Line: 7, DetectedAt: now},
	}
	for _, f := range findings {
		require.NoError(t, store.UpsertSecurityFinding(ctx, f))
	}
	// Re-scan of the same finding must not double-count.
	require.NoError(t, store.UpsertSecurityFinding(ctx, findings[0]))

	counts, err := store.CountFindingsBySeverity(ctx, "abc123def456")
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.SeverityCritical])
	require.Equal(t, 2, counts[model.SeverityHigh])
	require.Equal(t, 12, counts.SecurityValue())
}

func TestFindingProjectedFromEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f := &model.SecurityFinding{
		Fingerprint: "fp-evt", IntentID: "abc123def456", Scanner: "gitleaks",
		Category: model.CategorySecrets, Severity: model.SeverityHigh,
		RuleID: "generic-api-key", Path: "secrets.env", Line: 1,
		DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: f.DetectedAt,
		Type:      model.EventSecurityFindingDetected,
		IntentID:  f.IntentID,
		Payload:   map[string]any{"finding": f},
	}, ""))

	counts, err := store.CountFindingsBySeverity(ctx, f.IntentID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[model.SeverityHigh])
}

func TestReviewTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &model.ReviewTask{
		ID: "rev-1", IntentID: "abc123def456", Reason: "coherence downgrade",
		Status: model.ReviewPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: now,
		Type:      model.EventReviewRequested,
		IntentID:  task.IntentID,
		Payload:   map[string]any{"review": task},
	}, ""))

	open, err := store.ListReviewTasks(ctx, task.IntentID, model.ReviewPending)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "coherence downgrade", open[0].Reason)

	task.Status = model.ReviewApproved
	task.Decision = "approved after manual inspection"
	task.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: task.UpdatedAt,
		Type:      model.EventReviewCompleted,
		IntentID:  task.IntentID,
		Payload:   map[string]any{"review": task},
	}, ""))

	open, err = store.ListReviewTasks(ctx, task.IntentID, model.ReviewPending)
	require.NoError(t, err)
	require.Empty(t, open)

	all, err := store.ListReviewTasks(ctx, task.IntentID, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, model.ReviewApproved, all[0].Status)
	require.Equal(t, "approved after manual inspection", all[0].Decision)

	// An empty intent ID lists across intents; task lookup by ID depends
	// on this.
	other := &model.ReviewTask{
		ID: "rev-2", IntentID: "fedcba654321", Reason: "manual escalation",
		Status: model.ReviewPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: now,
		Type:      model.EventReviewRequested,
		IntentID:  other.IntentID,
		Payload:   map[string]any{"review": other},
	}, ""))

	all, err = store.ListReviewTasks(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := store.ListReviewTasks(ctx, "", model.ReviewPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "rev-2", pending[0].ID)
}

func TestChainState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetChainState(ctx, "audit")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SaveChainState(ctx, &storage.ChainState{
		Name: "audit", Head: "abcd", EventCount: 7,
	}))
	st, err := store.GetChainState(ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, "abcd", st.Head)
	require.Equal(t, int64(7), st.EventCount)

	require.NoError(t, store.SaveChainState(ctx, &storage.ChainState{
		Name: "audit", Head: "ef01", EventCount: 8,
	}))
	st, err = store.GetChainState(ctx, "audit")
	require.NoError(t, err)
	require.Equal(t, "ef01", st.Head)
	require.Equal(t, int64(8), st.EventCount)
}

func TestPruneEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := testIntent("aaaaaaaaaaaa")
	recent := testIntent("bbbbbbbbbbbb")
	recent.CreatedAt = recent.CreatedAt.Add(48 * time.Hour)
	recent.UpdatedAt = recent.CreatedAt
	require.NoError(t, store.AppendEvent(ctx, createdEvent(old), ""))
	require.NoError(t, store.AppendEvent(ctx, createdEvent(recent), ""))

	cutoff := old.CreatedAt.Add(time.Hour)
	n, err := store.PruneEvents(ctx, cutoff, "", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count) // dry run removed nothing

	n, err = store.PruneEvents(ctx, cutoff, "", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err = store.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestCheckDependencyClosure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	seed := func(id string, deps ...string) {
		require.NoError(t, store.UpsertIntent(ctx, &model.Intent{
			ID: id, Source: "feature/" + id, Target: "main",
			Status: model.StatusReady, RiskLevel: model.RiskMedium,
			Priority: 3, OriginType: model.OriginHuman,
			CreatedAt: now, UpdatedAt: now, Dependencies: deps,
		}))
	}

	// a waits on b, which does not exist yet: a forward reference is fine.
	seed("aaa111aaa111", "bbb222bbb222")
	ok := &model.Intent{ID: "ccc333ccc333", Dependencies: []string{"aaa111aaa111"}}
	require.NoError(t, storage.CheckDependencyClosure(ctx, store, ok))

	// Creating b depending on a would close the loop a -> b -> a.
	cyclic := &model.Intent{ID: "bbb222bbb222", Dependencies: []string{"aaa111aaa111"}}
	err := storage.CheckDependencyClosure(ctx, store, cyclic)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dependency cycle")

	// The transitive case: d -> c -> a -> b, creating b on d closes it.
	seed("ddd444ddd444", "ccc333ccc333")
	seed("ccc333ccc333", "aaa111aaa111")
	deep := &model.Intent{ID: "bbb222bbb222", Dependencies: []string{"ddd444ddd444"}}
	require.Error(t, storage.CheckDependencyClosure(ctx, store, deep))
}
