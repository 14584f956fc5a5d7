package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxOperationRetries = 5
	initialRetryDelay   = 50 * time.Millisecond
	maxRetryDelay       = 2 * time.Second
)

// pgSerializationFailure and pgDeadlockDetected are the SQLSTATE codes
// PostgreSQL raises for the two errors worth retrying a transaction over;
// everything else is either a programming error or a hard failure.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// isRetryableError reports whether err is a transient condition worth
// retrying (serialization conflicts, deadlocks, and failures to establish a
// connection),
// mirroring the teacher's isRetryableError/isSerializationError split but
// collapsed into one predicate since both cases get the same backoff here.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return true
		}
		return false
	}
	// Errors without a PgError wrapper are retried only when they are a
	// pgconn.ConnectError; context cancellation and every other error
	// (including pgx.ErrNoRows) are not retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// withRetry runs fn, retrying with exponential backoff while
// isRetryableError(err) holds, up to maxOperationRetries attempts. Every
// retry increments the retryCount counter, matching the teacher's
// withRetry instrumentation.
func withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay
	bctx := backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= maxOperationRetries || !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		metrics.retryCount.Add(ctx, 1)
		return err
	}, backoff.WithMaxRetries(bctx, maxOperationRetries-1))
}
