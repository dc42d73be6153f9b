package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"draft to ready", StatusDraft, StatusReady, true},
		{"ready to validated", StatusReady, StatusValidated, true},
		{"validated to queued", StatusValidated, StatusQueued, true},
		{"queued to merged", StatusQueued, StatusMerged, true},
		{"validated to merged", StatusValidated, StatusMerged, true},
		{"queued back to ready", StatusQueued, StatusReady, true},
		{"draft to rejected", StatusDraft, StatusRejected, true},
		{"queued to rejected", StatusQueued, StatusRejected, true},
		{"draft to validated skips ready", StatusDraft, StatusValidated, false},
		{"merged is terminal", StatusMerged, StatusReady, false},
		{"rejected is terminal", StatusRejected, StatusReady, false},
		{"no-op allowed", StatusQueued, StatusQueued, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusMerged.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusDraft.Terminal())
}

func TestParseRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, ParseRiskLevel("low"))
	assert.Equal(t, RiskCritical, ParseRiskLevel("CRITICAL"))
	assert.Equal(t, RiskMedium, ParseRiskLevel(""))
	assert.Equal(t, RiskMedium, ParseRiskLevel("bogus"))
}

func TestNewID(t *testing.T) {
	id := NewID()
	require.Len(t, id, 12)
	assert.NotEqual(t, id, NewID())
}

func TestIntentValidate(t *testing.T) {
	base := func() *Intent {
		return &Intent{
			ID:       "abc123def456",
			Source:   "feature/x",
			Target:   "main",
			Priority: DefaultPriority,
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})
	t.Run("missing target", func(t *testing.T) {
		i := base()
		i.Target = ""
		assert.Error(t, i.Validate())
	})
	t.Run("priority out of range", func(t *testing.T) {
		i := base()
		i.Priority = 6
		assert.Error(t, i.Validate())
	})
	t.Run("self dependency", func(t *testing.T) {
		i := base()
		i.Dependencies = []string{i.ID}
		assert.Error(t, i.Validate())
	})
	t.Run("duplicate dependency", func(t *testing.T) {
		i := base()
		i.Dependencies = []string{"d1", "d1"}
		assert.Error(t, i.Validate())
	})
}

func TestScopeHint(t *testing.T) {
	i := &Intent{Technical: map[string]any{
		"scope_hint": []any{"core/auth", "api"},
	}}
	assert.Equal(t, []string{"core/auth", "api"}, i.ScopeHint())

	i.Technical = nil
	assert.Nil(t, i.ScopeHint())
}
