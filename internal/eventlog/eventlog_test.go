package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/integrity"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/testutil"
)

func newTestLog(t *testing.T) (*eventlog.Log, *storage.SQLiteStore, *flags.Registry) {
	t.Helper()
	t.Chdir(t.TempDir()) // keep flag/policy config files out of reach

	store, err := testutil.NewSQLiteStore(context.Background(), t.TempDir(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	reg, err := flags.New(nil)
	require.NoError(t, err)
	return eventlog.New(store, reg, testutil.TestLogger()), store, reg
}

func intentEvent(id string, status model.Status) *model.Event {
	return &model.Event{
		Type:     model.EventIntentStatusChanged,
		IntentID: id,
		Payload:  map[string]any{"status": string(status)},
	}
}

func TestAppendAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	log, store, _ := newTestLog(t)

	ev := &model.Event{Type: model.EventQueueProcessed, Payload: map[string]any{"processed": 0}}
	require.NoError(t, log.Append(ctx, ev))
	require.NotEmpty(t, ev.ID)
	require.NotEmpty(t, ev.TraceID)
	require.False(t, ev.Timestamp.IsZero())

	stored, err := store.AllEventsAsc(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	// audit_chain is on by default, so the event carries a chain hash.
	require.NotEmpty(t, stored[0].ChainHash)
}

func TestAppendWithChainDisabled(t *testing.T) {
	ctx := context.Background()
	log, store, reg := newTestLog(t)

	off := false
	_, err := reg.Set("audit_chain", &off, nil)
	require.NoError(t, err)

	require.NoError(t, log.Append(ctx, &model.Event{Type: model.EventQueueProcessed}))
	stored, err := store.AllEventsAsc(ctx)
	require.NoError(t, err)
	require.Empty(t, stored[0].ChainHash)
}

func TestChainAdvancesAcrossAppends(t *testing.T) {
	ctx := context.Background()
	log, store, _ := newTestLog(t)

	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusReady)))
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusValidated)))

	stored, err := store.AllEventsAsc(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	head := integrity.EventHash(integrity.GenesisHash, &stored[0].Event)
	require.Equal(t, head, stored[0].ChainHash)
	head = integrity.EventHash(head, &stored[1].Event)
	require.Equal(t, head, stored[1].ChainHash)

	state, err := store.GetChainState(ctx, eventlog.ChainName)
	require.NoError(t, err)
	require.Equal(t, head, state.Head)
	require.Equal(t, int64(2), state.EventCount)
}

func TestVerifyChainValid(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusReady)))
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusValidated)))

	res, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, -1, res.FirstBadIndex)

	// The verification outcome joins the chain, so a second pass still holds.
	res, err = log.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestVerifyChainDetectsUnchainedAppend(t *testing.T) {
	ctx := context.Background()
	log, _, reg := newTestLog(t)

	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusReady)))

	// An append that bypasses the chain leaves the stored head behind.
	off := false
	_, err := reg.Set("audit_chain", &off, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusValidated)))

	res, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Reason)
}

func TestInitializeChainCoversExistingEvents(t *testing.T) {
	ctx := context.Background()
	log, _, reg := newTestLog(t)

	// Two events land before the chain exists.
	off := false
	_, err := reg.Set("audit_chain", &off, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusReady)))
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusValidated)))

	on := true
	_, err = reg.Set("audit_chain", &on, nil)
	require.NoError(t, err)

	state, err := log.InitializeChain(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), state.EventCount)
	require.NotEqual(t, integrity.GenesisHash, state.Head)

	// Initialization itself is on the log.
	events, err := log.Query(ctx, storage.EventFilter{Type: model.EventChainInitialized})
	require.NoError(t, err)
	require.Len(t, events, 1)

	res, err := log.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestLatestOf(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	_, err := log.LatestOf(ctx, model.EventIntentStatusChanged, "aaaaaaaaaaaa")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusReady)))
	time.Sleep(time.Millisecond)
	require.NoError(t, log.Append(ctx, intentEvent("aaaaaaaaaaaa", model.StatusValidated)))

	got, err := log.LatestOf(ctx, model.EventIntentStatusChanged, "aaaaaaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, string(model.StatusValidated), got.Event.Payload["status"])
}

func TestReplayRebuildsIntents(t *testing.T) {
	ctx := context.Background()
	log, _, _ := newTestLog(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := &model.Intent{
		ID: "aaaaaaaaaaaa", Source: "feature/x", Target: "main",
		Status: model.StatusDraft, RiskLevel: model.RiskMedium, Priority: 3,
		OriginType: model.OriginHuman, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, log.Append(ctx, &model.Event{
		Type:     model.EventIntentCreated,
		IntentID: intent.ID,
		Payload:  map[string]any{"intent": intent},
	}))
	require.NoError(t, log.Append(ctx, intentEvent(intent.ID, model.StatusReady)))

	fresh, err := testutil.NewSQLiteStore(ctx, t.TempDir(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(fresh.Close)

	n, err := log.Replay(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rebuilt, err := fresh.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, rebuilt.Status)
	require.Equal(t, "feature/x", rebuilt.Source)
}
