package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	maxWriteAttempts  = 5
	maxWriteRetryTime = 250 * time.Millisecond
)

// WithRetryTx runs fn inside a transaction, retrying on SQLITE_BUSY/LOCKED
// with a short capped backoff. No new attempt starts once maxWriteRetryTime
// has passed since the first one, bounding how long a caller can block on a
// write conflict.
func WithRetryTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	deadline := time.Now().Add(maxWriteRetryTime)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			if time.Now().After(deadline) {
				break
			}
			backoff := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
			backoff += time.Duration(rand.Intn(5)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			if IsBusyOrLocked(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if IsBusyOrLocked(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if IsBusyOrLocked(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("write conflict after %d attempts: %w", maxWriteAttempts, lastErr)
}
