// Package eventlog owns the append-only event log. All writes to the log go
// through Log.Append, which assigns identity, maintains the audit chain head,
// and delegates persistence (including projections) to the store.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convergehq/converge/internal/flags"
	"github.com/convergehq/converge/internal/integrity"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
)

// ChainName is the chain_state row the audit chain head lives under.
const ChainName = "audit"

// Log is the event log service.
type Log struct {
	store  storage.Store
	flags  *flags.Registry
	logger *slog.Logger

	// mu serializes chain head read-modify-write across appends.
	mu sync.Mutex
}

// New builds a Log on top of a store.
func New(store storage.Store, reg *flags.Registry, logger *slog.Logger) *Log {
	return &Log{store: store, flags: reg, logger: logger}
}

// Append persists one event. Missing identity fields are assigned here: id,
// trace_id, and timestamp. When the audit_chain flag is enabled the event is
// chained onto the current head and the head advances.
func (l *Log) Append(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = model.NewEventID()
	}
	if ev.TraceID == "" {
		ev.TraceID = model.NewTraceID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}

	if !l.flags.IsEnabled("audit_chain") {
		return l.store.AppendEvent(ctx, ev, "")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head, count, err := l.chainHead(ctx)
	if err != nil {
		return err
	}
	chainHash := integrity.EventHash(head, ev)
	if err := l.store.AppendEvent(ctx, ev, chainHash); err != nil {
		return err
	}
	if err := l.store.SaveChainState(ctx, &storage.ChainState{
		Name: ChainName, Head: chainHash, EventCount: count + 1,
	}); err != nil {
		return fmt.Errorf("eventlog: advance chain head: %w", err)
	}
	return nil
}

// chainHead returns the current head and event count, bootstrapping the
// chain over any pre-existing events the first time it is consulted.
func (l *Log) chainHead(ctx context.Context) (string, int64, error) {
	state, err := l.store.GetChainState(ctx, ChainName)
	if err == nil {
		return state.Head, state.EventCount, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", 0, fmt.Errorf("eventlog: load chain state: %w", err)
	}

	stored, err := l.store.AllEventsAsc(ctx)
	if err != nil {
		return "", 0, err
	}
	head := integrity.GenesisHash
	for i := range stored {
		head = integrity.EventHash(head, &stored[i].Event)
	}
	l.logger.Info("bootstrapping audit chain", "events", len(stored))
	return head, int64(len(stored)), nil
}

// Query returns matching events newest first.
func (l *Log) Query(ctx context.Context, f storage.EventFilter) ([]storage.StoredEvent, error) {
	return l.store.QueryEvents(ctx, f)
}

// LatestOf returns the most recent event of the given type for an intent, or
// storage.ErrNotFound.
func (l *Log) LatestOf(ctx context.Context, t model.EventType, intentID string) (*storage.StoredEvent, error) {
	events, err := l.store.QueryEvents(ctx, storage.EventFilter{Type: t, IntentID: intentID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	return &events[0], nil
}

// Replay feeds every event from this log into dst oldest first, rebuilding
// its projection tables from nothing but the log.
func (l *Log) Replay(ctx context.Context, dst storage.Store) (int, error) {
	events, err := l.store.AllEventsAsc(ctx)
	if err != nil {
		return 0, err
	}
	for i := range events {
		if err := dst.AppendEvent(ctx, &events[i].Event, events[i].ChainHash); err != nil {
			return i, fmt.Errorf("eventlog: replay event %d: %w", i, err)
		}
	}
	return len(events), nil
}

// InitializeChain walks the full log, persists the resulting head, and
// records the initialization as an event on the new chain.
func (l *Log) InitializeChain(ctx context.Context) (*storage.ChainState, error) {
	l.mu.Lock()
	stored, err := l.store.AllEventsAsc(ctx)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	head := integrity.GenesisHash
	for i := range stored {
		head = integrity.EventHash(head, &stored[i].Event)
	}
	state := &storage.ChainState{Name: ChainName, Head: head, EventCount: int64(len(stored))}
	if err := l.store.SaveChainState(ctx, state); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("eventlog: initialize chain: %w", err)
	}
	l.mu.Unlock()

	if err := l.Append(ctx, &model.Event{
		Type: model.EventChainInitialized,
		Payload: map[string]any{
			"head":        head,
			"event_count": len(stored),
		},
	}); err != nil {
		return nil, err
	}
	l.logger.Info("audit chain initialized", "head", head, "events", len(stored))
	return state, nil
}

// VerifyChain recomputes the chain from genesis and compares it against the
// recorded per-event hashes and stored head. The outcome is itself recorded
// as a verification or tamper event.
func (l *Log) VerifyChain(ctx context.Context) (integrity.VerifyResult, error) {
	stored, err := l.store.AllEventsAsc(ctx)
	if err != nil {
		return integrity.VerifyResult{}, err
	}
	events := make([]*model.Event, len(stored))
	recorded := make([]string, len(stored))
	for i := range stored {
		events[i] = &stored[i].Event
		recorded[i] = stored[i].ChainHash
	}

	var head string
	var count int64
	if state, err := l.store.GetChainState(ctx, ChainName); err == nil {
		head, count = state.Head, state.EventCount
	} else if !errors.Is(err, storage.ErrNotFound) {
		return integrity.VerifyResult{}, fmt.Errorf("eventlog: load chain state: %w", err)
	}

	res := integrity.Verify(events, recorded, head, int(count))

	outcome := &model.Event{
		Type: model.EventChainVerified,
		Payload: map[string]any{
			"valid":         res.Valid,
			"event_count":   res.EventCount,
			"computed_head": res.ComputedHead,
		},
	}
	if !res.Valid {
		outcome.Type = model.EventChainTamperDetect
		outcome.Payload["first_bad_index"] = res.FirstBadIndex
		outcome.Payload["reason"] = res.Reason
		l.logger.Warn("audit chain verification failed",
			"reason", res.Reason, "first_bad_index", res.FirstBadIndex)
	}
	if err := l.Append(ctx, outcome); err != nil {
		return res, err
	}
	return res, nil
}
