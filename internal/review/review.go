// Package review manages human review tasks attached to intents. Tasks are
// written to the event log; the store projects them into the review_tasks
// table, so the log remains the single source of truth.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
)

// Decision values accepted by Complete.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Service coordinates the review task lifecycle.
type Service struct {
	log    *eventlog.Log
	store  storage.Store
	logger *slog.Logger
}

// New builds a review Service.
func New(log *eventlog.Log, store storage.Store, logger *slog.Logger) *Service {
	return &Service{log: log, store: store, logger: logger}
}

// Request opens a PENDING review task for an intent. traceID ties the task
// to the validation run that demanded it.
func (s *Service) Request(ctx context.Context, intentID, reason, traceID string) (*model.ReviewTask, error) {
	now := time.Now().UTC()
	task := &model.ReviewTask{
		ID:        uuid.New().String(),
		IntentID:  intentID,
		Reason:    reason,
		Status:    model.ReviewPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.append(ctx, model.EventReviewRequested, task, traceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("review requested", "intent_id", intentID, "review_id", task.ID, "reason", reason)
	return task, nil
}

// Assign hands a task to a reviewer. Only open tasks can be assigned.
func (s *Service) Assign(ctx context.Context, taskID, assignee string) (*model.ReviewTask, error) {
	task, err := s.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Open() {
		return nil, fmt.Errorf("review: task %s is %s, cannot assign", taskID, task.Status)
	}
	task.Status = model.ReviewAssigned
	task.Assignee = assignee
	task.UpdatedAt = time.Now().UTC()
	if err := s.append(ctx, model.EventReviewAssigned, task, ""); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete closes a task with an approve or reject decision.
func (s *Service) Complete(ctx context.Context, taskID, decision string) (*model.ReviewTask, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("review: unknown decision %q", decision)
	}
	task, err := s.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Open() {
		return nil, fmt.Errorf("review: task %s is %s, cannot complete", taskID, task.Status)
	}
	if decision == DecisionApprove {
		task.Status = model.ReviewApproved
	} else {
		task.Status = model.ReviewRejected
	}
	task.Decision = decision
	task.UpdatedAt = time.Now().UTC()
	if err := s.append(ctx, model.EventReviewCompleted, task, ""); err != nil {
		return nil, err
	}
	s.logger.Info("review completed", "review_id", task.ID, "intent_id", task.IntentID, "decision", decision)
	return task, nil
}

// Escalate flags a task for senior attention. The task stays open.
func (s *Service) Escalate(ctx context.Context, taskID, reason string) (*model.ReviewTask, error) {
	task, err := s.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Open() {
		return nil, fmt.Errorf("review: task %s is %s, cannot escalate", taskID, task.Status)
	}
	task.Status = model.ReviewEscalated
	if reason != "" {
		task.Reason = reason
	}
	task.UpdatedAt = time.Now().UTC()
	if err := s.append(ctx, model.EventReviewEscalated, task, ""); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel withdraws an open task without a decision.
func (s *Service) Cancel(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	task, err := s.get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Open() {
		return nil, fmt.Errorf("review: task %s is %s, cannot cancel", taskID, task.Status)
	}
	task.Status = model.ReviewCancelled
	task.UpdatedAt = time.Now().UTC()
	if err := s.append(ctx, model.EventReviewCancelled, task, ""); err != nil {
		return nil, err
	}
	return task, nil
}

// HasPendingReviews reports whether any open task still blocks the intent.
func (s *Service) HasPendingReviews(ctx context.Context, intentID string) (bool, error) {
	tasks, err := s.store.ListReviewTasks(ctx, intentID, "")
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

// HasRejectedReview reports whether any review for the intent was rejected.
func (s *Service) HasRejectedReview(ctx context.Context, intentID string) (bool, error) {
	tasks, err := s.store.ListReviewTasks(ctx, intentID, model.ReviewRejected)
	if err != nil {
		return false, err
	}
	return len(tasks) > 0, nil
}

// List returns tasks, optionally narrowed by intent and status.
func (s *Service) List(ctx context.Context, intentID string, status model.ReviewStatus) ([]*model.ReviewTask, error) {
	return s.store.ListReviewTasks(ctx, intentID, status)
}

func (s *Service) get(ctx context.Context, taskID string) (*model.ReviewTask, error) {
	tasks, err := s.store.ListReviewTasks(ctx, "", "")
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("review: task %s: %w", taskID, storage.ErrNotFound)
}

func (s *Service) append(ctx context.Context, t model.EventType, task *model.ReviewTask, traceID string) error {
	err := s.log.Append(ctx, &model.Event{
		Type:     t,
		TraceID:  traceID,
		IntentID: task.IntentID,
		Payload:  map[string]any{"review": task},
	})
	if err != nil {
		return fmt.Errorf("review: record %s: %w", t, err)
	}
	return nil
}
