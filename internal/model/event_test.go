package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTypeKnown(t *testing.T) {
	assert.True(t, EventIntentValidated.Known())
	assert.True(t, EventChainTamperDetect.Known())
	assert.False(t, EventType("intent.exploded").Known())
}

func TestNewTraceID(t *testing.T) {
	id := NewTraceID()
	assert.True(t, strings.HasPrefix(id, "trace-"))
	assert.Len(t, id, len("trace-")+16)
	assert.NotEqual(t, id, NewTraceID())
}

func TestIntentMutating(t *testing.T) {
	assert.True(t, EventIntentMerged.IntentMutating())
	assert.True(t, EventIntentStatusChanged.IntentMutating())
	assert.False(t, EventRiskEvaluated.IntentMutating())
	assert.False(t, EventQueueProcessed.IntentMutating())
}

func TestClassifyScore(t *testing.T) {
	assert.Equal(t, RiskLow, ClassifyScore(0))
	assert.Equal(t, RiskLow, ClassifyScore(24.9))
	assert.Equal(t, RiskMedium, ClassifyScore(25))
	assert.Equal(t, RiskHigh, ClassifyScore(50))
	assert.Equal(t, RiskCritical, ClassifyScore(75))
	assert.Equal(t, RiskCritical, ClassifyScore(100))
}

func TestSecurityValue(t *testing.T) {
	c := SeverityCounts{SeverityCritical: 2, SeverityHigh: 3, SeverityLow: 7}
	assert.Equal(t, 23, c.SecurityValue())
	assert.Equal(t, 0, SeverityCounts{}.SecurityValue())
}
