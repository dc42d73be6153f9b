package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// conflictErr reports whether a transaction lost a serialization or
// deadlock race. Both are safe to run again.
func conflictErr(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected.
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// retryConflicts runs fn up to txMaxRetries extra times when it fails with
// a transient conflict. The delay doubles per attempt with uniform jitter.
func (s *PostgresStore) retryConflicts(ctx context.Context, fn func() error) error {
	delay := txBaseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !conflictErr(err) || attempt == txMaxRetries {
			return err
		}
		s.logger.Debug("transaction conflict, retrying",
			"attempt", attempt+1, "delay", delay)
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
