package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/settlepay/backbone/internal/metrics"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// retryable SQLSTATEs: serialization_failure, deadlock_detected, lock_not_available.
var retryableCodes = map[pq.ErrorCode]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableCodes[pqErr.Code]
	}
	return false
}

// TxRunner runs units of work in one database transaction, retrying on conflicts.
type TxRunner struct {
	db      *sql.DB
	retries int
	backoff time.Duration
}

func NewTxRunner(db *sql.DB, retries int, backoff time.Duration) *TxRunner {
	if retries < 0 {
		retries = 0
	}
	return &TxRunner{db: db, retries: retries, backoff: backoff}
}

// RunInTx runs fn inside a transaction. The whole of fn is replayed on a
// retryable conflict; after the last attempt ErrStorageConflict is returned.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			metrics.StorageConflictRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
		}

		lastErr = r.runOnce(ctx, fn)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		log.Printf("[STORE] Retryable conflict on attempt %d: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrStorageConflict, lastErr)
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
