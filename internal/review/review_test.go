package review_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/review"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/testutil"
)

func newService(t *testing.T) (*review.Service, *storage.SQLiteStore) {
	t.Helper()
	t.Chdir(t.TempDir())

	logger := testutil.TestLogger()
	store, err := testutil.NewSQLiteStore(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	reg, err := flags.New(nil)
	require.NoError(t, err)
	return review.New(eventlog.New(store, reg, logger), store, logger), store
}

func TestRequestOpensPendingTask(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	task, err := svc.Request(ctx, "intent-a", "coherence verdict downgraded", "trace-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, task.Status)
	assert.NotEmpty(t, task.ID)

	pending, err := svc.HasPendingReviews(ctx, "intent-a")
	require.NoError(t, err)
	assert.True(t, pending)

	// The task reached the projection through the event.
	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventReviewRequested, IntentID: "intent-a"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "trace-1", events[0].Event.TraceID)
}

func TestAssignAndApprove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)

	task, err = svc.Assign(ctx, task.ID, "reviewer@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewAssigned, task.Status)
	assert.Equal(t, "reviewer@example.com", task.Assignee)

	task, err = svc.Complete(ctx, task.ID, review.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, task.Status)

	pending, err := svc.HasPendingReviews(ctx, "intent-a")
	require.NoError(t, err)
	assert.False(t, pending)

	rejected, err := svc.HasRejectedReview(ctx, "intent-a")
	require.NoError(t, err)
	assert.False(t, rejected)
}

func TestRejectMarksIntent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, task.ID, review.DecisionReject)
	require.NoError(t, err)

	rejected, err := svc.HasRejectedReview(ctx, "intent-a")
	require.NoError(t, err)
	assert.True(t, rejected)
}

func TestEscalatedTaskStaysOpen(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)
	task, err = svc.Escalate(ctx, task.ID, "no response for two days")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewEscalated, task.Status)

	pending, err := svc.HasPendingReviews(ctx, "intent-a")
	require.NoError(t, err)
	assert.True(t, pending)

	// Escalated tasks can still be completed.
	_, err = svc.Complete(ctx, task.ID, review.DecisionApprove)
	require.NoError(t, err)
}

func TestCancelClosesWithoutDecision(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)
	task, err = svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewCancelled, task.Status)
	assert.Empty(t, task.Decision)

	pending, err := svc.HasPendingReviews(ctx, "intent-a")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestClosedTaskRejectsTransitions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, task.ID, review.DecisionApprove)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, task.ID, review.DecisionReject)
	require.Error(t, err)
	_, err = svc.Assign(ctx, task.ID, "someone")
	require.Error(t, err)
	_, err = svc.Cancel(ctx, task.ID)
	require.Error(t, err)
}

func TestCompleteValidatesDecision(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	task, err := svc.Request(ctx, "intent-a", "needs a human", "")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, task.ID, "maybe")
	require.Error(t, err)
}

func TestUnknownTask(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Assign(context.Background(), "nope", "someone")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
