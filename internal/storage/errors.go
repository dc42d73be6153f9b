package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLockHeld is returned when the queue lock has a live holder.
var ErrLockHeld = errors.New("storage: queue lock held")

// ErrUnknownEventType is returned when an event outside the closed
// vocabulary is appended.
var ErrUnknownEventType = errors.New("storage: unknown event type")
