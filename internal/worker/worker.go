// Package worker runs the queue processor on a poll loop with lifecycle
// events and graceful shutdown.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/internal/eventlog"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/queue"
	"github.com/convergehq/converge/internal/telemetry"
)

// heartbeatEvery is the number of polls between heartbeat events.
const heartbeatEvery = 10

// Worker polls the merge queue until its context is cancelled.
type Worker struct {
	proc     *queue.Processor
	log      *eventlog.Log
	interval time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	id       string
}

// New builds a Worker polling at the given interval.
func New(proc *queue.Processor, log *eventlog.Log, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		proc:     proc,
		log:      log,
		interval: interval,
		logger:   logger,
		id:       "worker-" + uuid.New().String()[:8],
	}
}

// WithMetrics attaches queue instruments recorded on every pass.
func (w *Worker) WithMetrics(m *telemetry.Metrics) *Worker {
	w.metrics = m
	return w
}

// Run polls until ctx is cancelled. The pass in flight when cancellation
// arrives finishes before the worker stops.
func (w *Worker) Run(ctx context.Context) error {
	err := w.log.Append(ctx, &model.Event{
		Type:    model.EventWorkerStarted,
		AgentID: w.id,
		Payload: map[string]any{"poll_interval": w.interval.String()},
	})
	if err != nil {
		return fmt.Errorf("worker: record start: %w", err)
	}
	w.logger.Info("worker started", "worker_id", w.id, "poll_interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return w.stop(ctx)
		case <-ticker.C:
		}

		start := time.Now()
		res, err := w.proc.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(ctx)
			}
			w.logger.Error("queue pass failed", "worker_id", w.id, "error", err)
			continue
		}
		w.record(ctx, res, time.Since(start))
		if res.Processed > 0 {
			w.logger.Info("queue pass",
				"worker_id", w.id, "processed", res.Processed, "merged", res.Merged)
		}

		polls++
		if polls%heartbeatEvery == 0 {
			err := w.log.Append(ctx, &model.Event{
				Type:    model.EventWorkerHeartbeat,
				AgentID: w.id,
				Payload: map[string]any{"polls": polls},
			})
			if err != nil {
				w.logger.Error("heartbeat failed", "worker_id", w.id, "error", err)
			}
		}
	}
}

func (w *Worker) record(ctx context.Context, res *queue.Result, elapsed time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.ValidationsTotal.Add(ctx, int64(res.Processed))
	w.metrics.BlocksTotal.Add(ctx, int64(res.Requeued+res.Rejected))
	w.metrics.MergesTotal.Add(ctx, int64(res.Merged))
	w.metrics.QueuePassSeconds.Record(ctx, elapsed.Seconds())
}

func (w *Worker) stop(ctx context.Context) error {
	err := w.log.Append(context.WithoutCancel(ctx), &model.Event{
		Type:    model.EventWorkerStopped,
		AgentID: w.id,
	})
	if err != nil {
		return fmt.Errorf("worker: record stop: %w", err)
	}
	w.logger.Info("worker stopped", "worker_id", w.id)
	return nil
}
