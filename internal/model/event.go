package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of record in the append-only log. The vocabulary
// is closed: consumers switch on these constants and unknown types are a
// storage-level error.
type EventType string

const (
	EventIntentCreated           EventType = "intent.created"
	EventIntentValidated         EventType = "intent.validated"
	EventIntentBlocked           EventType = "intent.blocked"
	EventIntentRequeued          EventType = "intent.requeued"
	EventIntentRejected          EventType = "intent.rejected"
	EventIntentMerged            EventType = "intent.merged"
	EventIntentMergeFailed       EventType = "intent.merge_failed"
	EventIntentDependencyBlocked EventType = "intent.dependency_blocked"
	EventIntentStatusChanged     EventType = "intent.status_changed"

	EventSimulationCompleted EventType = "simulation.completed"
	EventCheckCompleted      EventType = "check.completed"
	EventValidationError     EventType = "validation.error"

	EventRiskEvaluated         EventType = "risk.evaluated"
	EventRiskLevelReclassified EventType = "risk.level_reclassified"

	EventPolicyEvaluated EventType = "policy.evaluated"

	EventCoherenceEvaluated       EventType = "coherence.evaluated"
	EventCoherenceInconsistency   EventType = "coherence.inconsistency"
	EventCoherenceBaselineUpdated EventType = "coherence.baseline_updated"

	EventQueueProcessed EventType = "queue.processed"
	EventQueueReset     EventType = "queue.reset"

	EventSecurityScanStarted      EventType = "security.scan.started"
	EventSecurityScanCompleted    EventType = "security.scan.completed"
	EventSecurityFindingDetected  EventType = "security.finding.detected"

	EventReviewRequested EventType = "review.requested"
	EventReviewAssigned  EventType = "review.assigned"
	EventReviewCompleted EventType = "review.completed"
	EventReviewEscalated EventType = "review.escalated"
	EventReviewCancelled EventType = "review.cancelled"

	EventIntakeAccepted    EventType = "intake.accepted"
	EventIntakeThrottled   EventType = "intake.throttled"
	EventIntakeRejected    EventType = "intake.rejected"
	EventIntakeModeChanged EventType = "intake.mode_changed"

	EventChainInitialized   EventType = "audit.chain.initialized"
	EventChainVerified      EventType = "audit.chain.verified"
	EventChainTamperDetect  EventType = "audit.chain.tamper_detected"

	EventFeatureFlagChanged EventType = "feature_flag.changed"

	EventWorkerStarted   EventType = "worker.started"
	EventWorkerStopped   EventType = "worker.stopped"
	EventWorkerHeartbeat EventType = "worker.heartbeat"
)

// knownEventTypes is the closed set accepted by the log.
var knownEventTypes = map[EventType]bool{
	EventIntentCreated: true, EventIntentValidated: true, EventIntentBlocked: true,
	EventIntentRequeued: true, EventIntentRejected: true, EventIntentMerged: true,
	EventIntentMergeFailed: true, EventIntentDependencyBlocked: true,
	EventIntentStatusChanged: true,
	EventSimulationCompleted: true, EventCheckCompleted: true, EventValidationError: true,
	EventRiskEvaluated: true, EventRiskLevelReclassified: true,
	EventPolicyEvaluated: true,
	EventCoherenceEvaluated: true, EventCoherenceInconsistency: true,
	EventCoherenceBaselineUpdated: true,
	EventQueueProcessed: true, EventQueueReset: true,
	EventSecurityScanStarted: true, EventSecurityScanCompleted: true,
	EventSecurityFindingDetected: true,
	EventReviewRequested: true, EventReviewAssigned: true, EventReviewCompleted: true,
	EventReviewEscalated: true, EventReviewCancelled: true,
	EventIntakeAccepted: true, EventIntakeThrottled: true, EventIntakeRejected: true,
	EventIntakeModeChanged: true,
	EventChainInitialized: true, EventChainVerified: true, EventChainTamperDetect: true,
	EventFeatureFlagChanged: true,
	EventWorkerStarted: true, EventWorkerStopped: true, EventWorkerHeartbeat: true,
}

// Known reports whether t is part of the closed event vocabulary.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Event is one immutable record in the append-only log. Events are never
// updated or deleted; state is a projection over them.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	IntentID  string         `json:"intent_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// NewEventID returns a fresh event ID.
func NewEventID() string {
	return uuid.New().String()
}

// NewTraceID returns a correlation ID shared by all events of one
// pipeline run.
func NewTraceID() string {
	return "trace-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// IntentMutating reports whether the event changes the status projection of
// its intent when replayed.
func (t EventType) IntentMutating() bool {
	switch t {
	case EventIntentCreated, EventIntentValidated, EventIntentBlocked,
		EventIntentRequeued, EventIntentRejected, EventIntentMerged,
		EventIntentStatusChanged:
		return true
	}
	return false
}
