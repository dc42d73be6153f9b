// Package queue processes validated intents under an advisory lock: one
// processor per store at a time. Every intent is revalidated against the
// current target state before it may merge.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/convergehq/converge/internal/config"
	"github.com/convergehq/converge/internal/engine"
	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/intake"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/review"
	"github.com/convergehq/converge/internal/scm"
	"github.com/convergehq/converge/internal/storage"
)

// LockName is the advisory lock all queue processors contend on.
const LockName = "queue"

// Validator revalidates one intent. Satisfied by *engine.Engine.
type Validator interface {
	Validate(ctx context.Context, intent *model.Intent) (*engine.Decision, error)
}

// Result summarizes one processing pass.
type Result struct {
	Processed int `json:"processed"`
	Merged    int `json:"merged"`
	Queued    int `json:"queued"`
	Requeued  int `json:"requeued"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
}

// Deps are the collaborators a Processor is wired with.
type Deps struct {
	Store     storage.Store
	Log       *eventlog.Log
	Validator Validator
	SCM       scm.SCM
	Reviews   *review.Service
	Intake    *intake.Controller
	Policy    *config.Policy
	Config    config.Config
	Logger    *slog.Logger
}

// Processor drains the merge queue.
type Processor struct {
	store     storage.Store
	log       *eventlog.Log
	validator Validator
	scm       scm.SCM
	reviews   *review.Service
	intake    *intake.Controller
	policy    *config.Policy
	cfg       config.Config
	logger    *slog.Logger
	holder    string
}

// New builds a Processor with a unique lock holder identity.
func New(d Deps) *Processor {
	return &Processor{
		store:     d.Store,
		log:       d.Log,
		validator: d.Validator,
		scm:       d.SCM,
		reviews:   d.Reviews,
		intake:    d.Intake,
		policy:    d.Policy,
		cfg:       d.Config,
		logger:    d.Logger,
		holder:    "queue-" + uuid.New().String()[:8],
	}
}

// ProcessOnce runs one pass. When another processor holds the lock the pass
// is a clean no-op.
func (p *Processor) ProcessOnce(ctx context.Context) (*Result, error) {
	err := p.store.AcquireQueueLock(ctx, LockName, p.holder, p.cfg.LockTTL)
	if errors.Is(err, storage.ErrLockHeld) {
		p.logger.Info("queue lock held elsewhere, skipping pass")
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: acquire lock: %w", err)
	}
	defer func() {
		if relErr := p.store.ReleaseQueueLock(context.WithoutCancel(ctx), LockName, p.holder); relErr != nil {
			p.logger.Error("releasing queue lock failed", "error", relErr)
		}
	}()

	intents, err := p.store.ListIntents(ctx, storage.IntentFilter{
		Status: model.StatusValidated,
		Limit:  p.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list validated intents: %w", err)
	}

	mode := intake.ModeOpen
	if p.intake != nil {
		if mode, _, err = p.intake.Mode(ctx); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		if mode == intake.ModePause && intent.RiskLevel != model.RiskCritical {
			p.logger.Info("intake paused, skipping non-critical intent", "intent_id", intent.ID)
			res.Skipped++
			continue
		}
		if err := p.processIntent(ctx, intent, res); err != nil {
			return res, err
		}
		res.Processed++
	}

	err = p.log.Append(ctx, &model.Event{
		Type:    model.EventQueueProcessed,
		Payload: map[string]any{"count": res.Processed, "merged": res.Merged, "rejected": res.Rejected},
	})
	if err != nil {
		return res, fmt.Errorf("queue: record pass: %w", err)
	}
	p.logger.Info("queue pass complete",
		"processed", res.Processed, "merged", res.Merged,
		"requeued", res.Requeued, "rejected", res.Rejected, "skipped", res.Skipped)
	return res, nil
}

func (p *Processor) processIntent(ctx context.Context, intent *model.Intent, res *Result) error {
	waiting, err := p.unmergedDependencies(ctx, intent)
	if err != nil {
		return err
	}
	if len(waiting) > 0 {
		res.Skipped++
		return p.emit(ctx, intent, "", model.EventIntentDependencyBlocked, map[string]any{
			"waiting_on": waiting,
		})
	}

	maxRetries := p.policy.Queue.MaxRetries
	if intent.Retries >= maxRetries {
		res.Rejected++
		return p.reject(ctx, intent, "", fmt.Sprintf("retry budget exhausted after %d attempts", intent.Retries))
	}

	if p.reviews != nil {
		pending, err := p.reviews.HasPendingReviews(ctx, intent.ID)
		if err != nil {
			return err
		}
		if pending {
			p.logger.Info("intent awaiting review", "intent_id", intent.ID)
			res.Skipped++
			return nil
		}
		rejected, err := p.reviews.HasRejectedReview(ctx, intent.ID)
		if err != nil {
			return err
		}
		if rejected {
			res.Rejected++
			return p.reject(ctx, intent, "", "review rejected")
		}
	}

	// Revalidate against the current target state; the earlier validation
	// may be stale.
	decision, err := p.validator.Validate(ctx, intent)
	if err != nil {
		p.logger.Error("revalidation error, intent left for next pass",
			"intent_id", intent.ID, "error", err)
		res.Skipped++
		return nil
	}
	if decision.Blocked() {
		intent.Retries++
		if intent.Retries >= maxRetries {
			res.Rejected++
			return p.reject(ctx, intent, decision.TraceID, "blocked on revalidation: "+decision.Reason)
		}
		intent.Status = model.StatusReady
		res.Requeued++
		return p.emit(ctx, intent, decision.TraceID, model.EventIntentRequeued, map[string]any{
			"status":  string(model.StatusReady),
			"retries": intent.Retries,
			"reason":  decision.Reason,
		})
	}

	intent.Status = model.StatusQueued
	err = p.emit(ctx, intent, decision.TraceID, model.EventIntentStatusChanged, map[string]any{
		"status": string(model.StatusQueued),
	})
	if err != nil {
		return err
	}
	res.Queued++

	if !p.cfg.AutoConfirm {
		return nil
	}
	sha, err := p.scm.ExecuteMerge(ctx, intent.Source, intent.Target)
	if err != nil {
		return p.mergeFailed(ctx, intent, decision.TraceID, err, res)
	}
	intent.Status = model.StatusMerged
	err = p.emit(ctx, intent, decision.TraceID, model.EventIntentMerged, map[string]any{
		"status":        string(model.StatusMerged),
		"merged_commit": sha,
		"source":        intent.Source,
		"target":        intent.Target,
	})
	if err != nil {
		return err
	}
	res.Merged++
	p.logger.Info("intent merged", "intent_id", intent.ID, "commit", sha)
	return nil
}

// mergeFailed records the failure and applies the same retry discipline as a
// blocked revalidation.
func (p *Processor) mergeFailed(ctx context.Context, intent *model.Intent, traceID string, mergeErr error, res *Result) error {
	p.logger.Error("merge execution failed", "intent_id", intent.ID, "error", mergeErr)
	err := p.emit(ctx, intent, traceID, model.EventIntentMergeFailed, map[string]any{
		"error": mergeErr.Error(),
	})
	if err != nil {
		return err
	}

	intent.Retries++
	if intent.Retries >= p.policy.Queue.MaxRetries {
		res.Rejected++
		return p.reject(ctx, intent, traceID, "merge failed: "+mergeErr.Error())
	}
	intent.Status = model.StatusReady
	res.Requeued++
	return p.emit(ctx, intent, traceID, model.EventIntentRequeued, map[string]any{
		"status":  string(model.StatusReady),
		"retries": intent.Retries,
		"reason":  "merge failed",
	})
}

// unmergedDependencies returns the dependencies that still hold the intent
// back. A missing dependency row counts as unmerged.
func (p *Processor) unmergedDependencies(ctx context.Context, intent *model.Intent) ([]string, error) {
	var waiting []string
	for _, dep := range intent.Dependencies {
		other, err := p.store.GetIntent(ctx, dep)
		if errors.Is(err, storage.ErrNotFound) {
			waiting = append(waiting, dep)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: load dependency %s: %w", dep, err)
		}
		if other.Status != model.StatusMerged {
			waiting = append(waiting, dep)
		}
	}
	return waiting, nil
}

// ConfirmMerge marks a QUEUED or VALIDATED intent as merged, for deployments
// where a human or an external system performs the actual merge.
func (p *Processor) ConfirmMerge(ctx context.Context, intentID, mergedCommit string) (string, error) {
	intent, err := p.store.GetIntent(ctx, intentID)
	if err != nil {
		return "", fmt.Errorf("queue: confirm merge: %w", err)
	}
	if intent.Status != model.StatusQueued && intent.Status != model.StatusValidated {
		return "", fmt.Errorf("queue: intent %s is %s, expected QUEUED or VALIDATED", intentID, intent.Status)
	}

	sha := mergedCommit
	if sha == "" {
		sha = "confirmed-" + intentID[:min(8, len(intentID))]
	}
	intent.Status = model.StatusMerged
	err = p.emit(ctx, intent, "", model.EventIntentMerged, map[string]any{
		"status":        string(model.StatusMerged),
		"merged_commit": sha,
		"source":        intent.Source,
		"target":        intent.Target,
	})
	if err != nil {
		return "", err
	}
	return sha, nil
}

// ResetQueue zeroes an intent's retries, optionally forcing a status, and
// optionally force-releases the queue lock.
func (p *Processor) ResetQueue(ctx context.Context, intentID string, setStatus model.Status, clearLock bool) error {
	if clearLock {
		if err := p.forceReleaseLock(ctx); err != nil {
			return err
		}
	}

	intent, err := p.store.GetIntent(ctx, intentID)
	if err != nil {
		return fmt.Errorf("queue: reset: %w", err)
	}
	status := intent.Status
	if setStatus != "" {
		status = setStatus
	}
	trace := model.NewTraceID()
	intent.Status = status
	intent.Retries = 0
	err = p.emit(ctx, intent, trace, model.EventIntentStatusChanged, map[string]any{
		"status":  string(status),
		"retries": 0,
	})
	if err != nil {
		return err
	}
	return p.emit(ctx, intent, trace, model.EventQueueReset, map[string]any{
		"new_status":    string(status),
		"retries_reset": true,
	})
}

func (p *Processor) forceReleaseLock(ctx context.Context) error {
	info, err := p.store.QueueLockInfo(ctx, LockName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: inspect lock: %w", err)
	}
	if err := p.store.ReleaseQueueLock(ctx, LockName, info.Holder); err != nil {
		return fmt.Errorf("queue: force release lock: %w", err)
	}
	p.logger.Warn("queue lock force-released", "previous_holder", info.Holder)
	return nil
}

func (p *Processor) reject(ctx context.Context, intent *model.Intent, traceID, reason string) error {
	intent.Status = model.StatusRejected
	p.logger.Info("intent rejected", "intent_id", intent.ID, "reason", reason)
	return p.emit(ctx, intent, traceID, model.EventIntentRejected, map[string]any{
		"status":  string(model.StatusRejected),
		"retries": intent.Retries,
		"reason":  reason,
	})
}

// emit appends one queue event. An empty traceID lets the log mint a fresh
// trace; post-validation events pass the decision's trace so the merge
// outcome shares a trace with the validation that admitted it.
func (p *Processor) emit(ctx context.Context, intent *model.Intent, traceID string, t model.EventType, payload map[string]any) error {
	err := p.log.Append(ctx, &model.Event{
		TraceID:  traceID,
		Type:     t,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("queue: record %s: %w", t, err)
	}
	return nil
}
