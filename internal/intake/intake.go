// Package intake controls admission of new intents under load. The current
// mode lives on the event log as the latest mode-change event, so every
// worker sees the same decision without extra coordination state.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/policy"
	"github.com/convergehq/converge/internal/storage"
)

// Mode is the admission posture.
type Mode string

const (
	// ModeOpen admits everything.
	ModeOpen Mode = "OPEN"
	// ModeThrottle sheds a deterministic fraction of intents.
	ModeThrottle Mode = "THROTTLE"
	// ModePause admits only critical intents.
	ModePause Mode = "PAUSE"
)

// ParseMode normalizes a mode string, defaulting to OPEN.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeThrottle, ModePause:
		return Mode(s)
	default:
		return ModeOpen
	}
}

// Controller decides whether intents are admitted.
type Controller struct {
	log    *eventlog.Log
	store  storage.Store
	flags  *flags.Registry
	logger *slog.Logger
}

// New builds a Controller.
func New(log *eventlog.Log, store storage.Store, reg *flags.Registry, logger *slog.Logger) *Controller {
	return &Controller{log: log, store: store, flags: reg, logger: logger}
}

// SetMode records a manual mode override. ratio applies to THROTTLE: the
// fraction of intents shed, by deterministic bucket.
func (c *Controller) SetMode(ctx context.Context, mode Mode, ratio float64, reason string) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("intake: throttle ratio %.2f out of range [0,1]", ratio)
	}
	err := c.log.Append(ctx, &model.Event{
		Type: model.EventIntakeModeChanged,
		Payload: map[string]any{
			"mode":   string(mode),
			"ratio":  ratio,
			"reason": reason,
		},
	})
	if err != nil {
		return fmt.Errorf("intake: record mode change: %w", err)
	}
	c.logger.Info("intake mode changed", "mode", mode, "ratio", ratio, "reason", reason)
	return nil
}

// Mode returns the current mode and throttle ratio from the latest
// mode-change event. No event means OPEN.
func (c *Controller) Mode(ctx context.Context) (Mode, float64, error) {
	ev, err := c.log.LatestOf(ctx, model.EventIntakeModeChanged, "")
	if errors.Is(err, storage.ErrNotFound) {
		return ModeOpen, 0, nil
	}
	if err != nil {
		return ModeOpen, 0, fmt.Errorf("intake: load mode: %w", err)
	}
	mode := ModeOpen
	if s, ok := ev.Event.Payload["mode"].(string); ok {
		mode = ParseMode(s)
	}
	ratio, _ := ev.Event.Payload["ratio"].(float64)
	return mode, ratio, nil
}

// Admit decides whether an intent may enter the system, recording the
// outcome. With intake control disabled everything is admitted silently.
func (c *Controller) Admit(ctx context.Context, intent *model.Intent) (bool, string, error) {
	if !c.flags.IsEnabled("intake_control") {
		return true, "", nil
	}
	mode, ratio, err := c.Mode(ctx)
	if err != nil {
		return false, "", err
	}

	switch mode {
	case ModeThrottle:
		if policy.Bucket(intent.ID) < ratio {
			reason := fmt.Sprintf("throttled at ratio %.2f", ratio)
			return false, reason, c.record(ctx, model.EventIntakeThrottled, intent, reason)
		}
	case ModePause:
		if intent.RiskLevel != model.RiskCritical {
			reason := "intake paused, only critical intents admitted"
			return false, reason, c.record(ctx, model.EventIntakeRejected, intent, reason)
		}
	}
	return true, "", c.record(ctx, model.EventIntakeAccepted, intent, string(mode))
}

// Deduplicate reports whether a webhook delivery was already processed and
// marks it seen otherwise.
func (c *Controller) Deduplicate(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	seen, err := c.store.IsDuplicateDelivery(ctx, deliveryID)
	if err != nil {
		return false, fmt.Errorf("intake: check delivery %s: %w", deliveryID, err)
	}
	if seen {
		return true, nil
	}
	if err := c.store.RecordDelivery(ctx, deliveryID); err != nil {
		return false, fmt.Errorf("intake: record delivery %s: %w", deliveryID, err)
	}
	return false, nil
}

func (c *Controller) record(ctx context.Context, t model.EventType, intent *model.Intent, detail string) error {
	err := c.log.Append(ctx, &model.Event{
		Type:     t,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  map[string]any{"detail": detail, "risk_level": string(intent.RiskLevel)},
	})
	if err != nil {
		return fmt.Errorf("intake: record %s: %w", t, err)
	}
	return nil
}
