package storage

import (
	"encoding/json"
	"fmt"

	"github.com/convergehq/converge/internal/model"
)

// statusChange mutates one intent's status projection.
type statusChange struct {
	IntentID string
	Status   model.Status
	Retries  *int
}

// projection is the set of table mutations one event implies. Projections
// are derived from the event alone so that replaying the log rebuilds the
// tables exactly.
type projection struct {
	Intent  *model.Intent
	Status  *statusChange
	Finding *model.SecurityFinding
	Review  *model.ReviewTask
}

// projectEvent derives the projection for an event. Events that carry no
// table state return an empty projection.
func projectEvent(ev *model.Event) (projection, error) {
	var p projection
	switch {
	case ev.Type == model.EventIntentCreated, ev.Type == model.EventRiskLevelReclassified:
		intent, err := decodePayload[model.Intent](ev.Payload, "intent")
		if err != nil {
			return p, fmt.Errorf("storage: project %s: %w", ev.Type, err)
		}
		p.Intent = intent

	case ev.Type.IntentMutating():
		if ev.IntentID == "" {
			return p, fmt.Errorf("storage: project %s: missing intent_id", ev.Type)
		}
		status, ok := ev.Payload["status"].(string)
		if !ok {
			return p, fmt.Errorf("storage: project %s: missing status", ev.Type)
		}
		sc := &statusChange{IntentID: ev.IntentID, Status: model.Status(status)}
		if r, ok := payloadInt(ev.Payload, "retries"); ok {
			sc.Retries = &r
		}
		p.Status = sc

	case ev.Type == model.EventSecurityFindingDetected:
		finding, err := decodePayload[model.SecurityFinding](ev.Payload, "finding")
		if err != nil {
			return p, fmt.Errorf("storage: project %s: %w", ev.Type, err)
		}
		p.Finding = finding

	case ev.Type == model.EventReviewRequested,
		ev.Type == model.EventReviewAssigned,
		ev.Type == model.EventReviewCompleted,
		ev.Type == model.EventReviewEscalated,
		ev.Type == model.EventReviewCancelled:
		review, err := decodePayload[model.ReviewTask](ev.Payload, "review")
		if err != nil {
			return p, fmt.Errorf("storage: project %s: %w", ev.Type, err)
		}
		p.Review = review
	}
	return p, nil
}

// decodePayload extracts payload[key] into a typed value via a JSON round
// trip, since payloads are free-form maps once they leave the wire.
func decodePayload[T any](payload map[string]any, key string) (*T, error) {
	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("missing payload key %q", key)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode payload key %q: %w", key, err)
	}
	var out T
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("decode payload key %q: %w", key, err)
	}
	return &out, nil
}

// payloadInt reads an integer payload field, accepting the float64 form
// JSON decoding produces.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
