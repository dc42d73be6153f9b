package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/testutil"
)

// testPG holds a shared Postgres store for all integration tests in this
// package. SQLite tests open their own per-test databases.
var testPG *storage.PostgresStore

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testPG, err = tc.NewTestStore(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testPG.Close()

	os.Exit(m.Run())
}

func TestPostgresAppendAndProject(t *testing.T) {
	ctx := context.Background()

	intent := testIntent("pg0000000001")
	require.NoError(t, testPG.AppendEvent(ctx, createdEvent(intent), ""))

	got, err := testPG.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDraft, got.Status)
	require.Equal(t, intent.Source, got.Source)
	require.True(t, got.CreatedAt.Equal(intent.CreatedAt))

	require.NoError(t, testPG.AppendEvent(ctx, &model.Event{
		ID:        model.NewEventID(),
		Timestamp: intent.CreatedAt.Add(time.Minute),
		Type:      model.EventIntentValidated,
		IntentID:  intent.ID,
		Payload:   map[string]any{"status": string(model.StatusValidated)},
	}, ""))

	got, err = testPG.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusValidated, got.Status)

	events, err := testPG.QueryEvents(ctx, storage.EventFilter{IntentID: intent.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventIntentValidated, events[0].Event.Type)
}

func TestPostgresQueueLock(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testPG.AcquireQueueLock(ctx, "pg-queue", "worker-1", time.Minute))
	t.Cleanup(func() { _ = testPG.ReleaseQueueLock(ctx, "pg-queue", "worker-1") })

	err := testPG.AcquireQueueLock(ctx, "pg-queue", "worker-2", time.Minute)
	require.ErrorIs(t, err, storage.ErrLockHeld)

	// TTL refresh by the holder.
	require.NoError(t, testPG.AcquireQueueLock(ctx, "pg-queue", "worker-1", time.Minute))

	info, err := testPG.QueueLockInfo(ctx, "pg-queue")
	require.NoError(t, err)
	require.Equal(t, "worker-1", info.Holder)
}

func TestPostgresChainState(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testPG.SaveChainState(ctx, &storage.ChainState{
		Name: "pg-audit", Head: "00ff", EventCount: 3,
	}))
	st, err := testPG.GetChainState(ctx, "pg-audit")
	require.NoError(t, err)
	require.Equal(t, "00ff", st.Head)
	require.Equal(t, int64(3), st.EventCount)
}

func TestPostgresDeliveryDedup(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testPG.RecordDelivery(ctx, "pg-delivery-1"))
	dup, err := testPG.IsDuplicateDelivery(ctx, "pg-delivery-1")
	require.NoError(t, err)
	require.True(t, dup)
}
