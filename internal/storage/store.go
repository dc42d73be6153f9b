// Package storage persists events, intents, queue locks, security findings,
// and review tasks. Two backends implement the same Store interface: an
// embedded SQLite database (the default) and Postgres for shared
// deployments.
package storage

import (
	"context"
	"time"

	"github.com/convergehq/converge/internal/model"
)

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	Type     model.EventType
	IntentID string
	AgentID  string
	TenantID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// StoredEvent pairs an event with its chain position and recorded hash.
type StoredEvent struct {
	Seq       int64
	Event     model.Event
	ChainHash string
}

// IntentFilter narrows intent listings.
type IntentFilter struct {
	Status   model.Status
	TenantID string
	Limit    int
}

// LockInfo describes the current queue lock holder.
type LockInfo struct {
	Name       string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ChainState is the persisted head of the audit chain.
type ChainState struct {
	Name       string
	Head       string
	EventCount int64
	UpdatedAt  time.Time
}

// Store is the persistence port shared by both backends. All methods are
// safe for concurrent use.
type Store interface {
	// AppendEvent atomically writes the event, applies its projection to
	// the intents / findings / reviews tables, and records chainHash
	// (empty when the audit chain is disabled).
	AppendEvent(ctx context.Context, ev *model.Event, chainHash string) error

	// QueryEvents returns matching events newest first.
	QueryEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error)
	// AllEventsAsc returns every event oldest first, for replay and chain
	// verification.
	AllEventsAsc(ctx context.Context) ([]StoredEvent, error)
	CountEvents(ctx context.Context) (int64, error)
	// PruneEvents deletes events older than before, optionally scoped to a
	// tenant. Returns the number of events that were (or would be) removed.
	PruneEvents(ctx context.Context, before time.Time, tenantID string, dryRun bool) (int64, error)

	UpsertIntent(ctx context.Context, intent *model.Intent) error
	GetIntent(ctx context.Context, id string) (*model.Intent, error)
	// ListIntents orders by priority ascending, then created_at ascending.
	ListIntents(ctx context.Context, f IntentFilter) ([]*model.Intent, error)

	// AcquireQueueLock acquires the named advisory lock, force-releasing an
	// expired holder. Returns ErrLockHeld when another live holder exists.
	AcquireQueueLock(ctx context.Context, name, holder string, ttl time.Duration) error
	// ReleaseQueueLock releases the lock if held by holder; releasing a
	// lock that is not held is not an error.
	ReleaseQueueLock(ctx context.Context, name, holder string) error
	QueueLockInfo(ctx context.Context, name string) (*LockInfo, error)

	// IsDuplicateDelivery reports whether deliveryID was seen before;
	// RecordDelivery marks it seen.
	IsDuplicateDelivery(ctx context.Context, deliveryID string) (bool, error)
	RecordDelivery(ctx context.Context, deliveryID string) error

	UpsertSecurityFinding(ctx context.Context, f *model.SecurityFinding) error
	CountFindingsBySeverity(ctx context.Context, intentID string) (model.SeverityCounts, error)

	UpsertReviewTask(ctx context.Context, task *model.ReviewTask) error
	// ListReviewTasks returns tasks oldest first; an empty intentID or
	// status leaves that dimension unfiltered.
	ListReviewTasks(ctx context.Context, intentID string, status model.ReviewStatus) ([]*model.ReviewTask, error)

	GetChainState(ctx context.Context, name string) (*ChainState, error)
	SaveChainState(ctx context.Context, state *ChainState) error

	Close()
}
