package coherence

import (
	"context"
	"errors"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
)

// Baselines are stored on the event log: each update event carries the full
// map, and the latest event wins.

// LoadBaselines reads the current baselines from the most recent update
// event. No event means no baselines yet.
func LoadBaselines(ctx context.Context, log *eventlog.Log) (map[string]float64, error) {
	ev, err := log.LatestOf(ctx, model.EventCoherenceBaselineUpdated, "")
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, err
	}

	baselines := make(map[string]float64)
	raw, _ := ev.Event.Payload["baselines"].(map[string]any)
	for id, v := range raw {
		if f, ok := v.(float64); ok {
			baselines[id] = f
		}
	}
	return baselines, nil
}

// UpdateBaselines records the measured values of a run as the new baselines.
// Probes that produced no value keep no baseline.
func UpdateBaselines(ctx context.Context, log *eventlog.Log, results []model.CoherenceResult) (map[string]float64, error) {
	baselines := make(map[string]float64)
	for _, r := range results {
		if r.Value != nil {
			baselines[r.QuestionID] = *r.Value
		}
	}
	err := log.Append(ctx, &model.Event{
		Type:    model.EventCoherenceBaselineUpdated,
		Payload: map[string]any{"baselines": baselines},
	})
	if err != nil {
		return nil, err
	}
	return baselines, nil
}
