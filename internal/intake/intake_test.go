package intake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/intake"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/internal/testutil"
)

func newController(t *testing.T) (*intake.Controller, *storage.SQLiteStore, *flags.Registry) {
	t.Helper()
	t.Chdir(t.TempDir())

	logger := testutil.TestLogger()
	store, err := testutil.NewSQLiteStore(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	reg, err := flags.New(nil)
	require.NoError(t, err)
	log := eventlog.New(store, reg, logger)
	return intake.New(log, store, reg, logger), store, reg
}

func testIntent(level model.RiskLevel) *model.Intent {
	return &model.Intent{ID: "abc123def456", RiskLevel: level}
}

func TestDefaultModeIsOpen(t *testing.T) {
	ctx := context.Background()
	ctrl, store, _ := newController(t)

	mode, ratio, err := ctrl.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, intake.ModeOpen, mode)
	assert.Zero(t, ratio)

	ok, _, err := ctrl.Admit(ctx, testIntent(model.RiskMedium))
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventIntakeAccepted})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestThrottleShedsByBucket(t *testing.T) {
	ctx := context.Background()
	ctrl, store, _ := newController(t)

	// Ratio 1.0 sheds every bucket.
	require.NoError(t, ctrl.SetMode(ctx, intake.ModeThrottle, 1.0, "load spike"))
	ok, reason, err := ctrl.Admit(ctx, testIntent(model.RiskMedium))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "throttled")

	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventIntakeThrottled})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Ratio 0 sheds nothing.
	require.NoError(t, ctrl.SetMode(ctx, intake.ModeThrottle, 0, "recovered"))
	ok, _, err = ctrl.Admit(ctx, testIntent(model.RiskMedium))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPauseAdmitsOnlyCritical(t *testing.T) {
	ctx := context.Background()
	ctrl, store, _ := newController(t)
	require.NoError(t, ctrl.SetMode(ctx, intake.ModePause, 0, "incident"))

	ok, reason, err := ctrl.Admit(ctx, testIntent(model.RiskHigh))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "paused")

	ok, _, err = ctrl.Admit(ctx, testIntent(model.RiskCritical))
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventIntakeRejected})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDisabledFlagAdmitsSilently(t *testing.T) {
	ctx := context.Background()
	ctrl, store, reg := newController(t)
	off := false
	_, err := reg.Set("intake_control", &off, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetMode(ctx, intake.ModePause, 0, "incident"))

	ok, _, err := ctrl.Admit(ctx, testIntent(model.RiskLow))
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: model.EventIntakeAccepted})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSetModeValidatesRatio(t *testing.T) {
	ctrl, _, _ := newController(t)
	err := ctrl.SetMode(context.Background(), intake.ModeThrottle, 1.5, "")
	require.Error(t, err)
}

func TestDeduplicate(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newController(t)

	dup, err := ctrl.Deduplicate(ctx, "delivery-1")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = ctrl.Deduplicate(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = ctrl.Deduplicate(ctx, "")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, intake.ModeThrottle, intake.ParseMode("THROTTLE"))
	assert.Equal(t, intake.ModePause, intake.ParseMode("PAUSE"))
	assert.Equal(t, intake.ModeOpen, intake.ParseMode("anything else"))
}
