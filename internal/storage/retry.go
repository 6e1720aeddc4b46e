package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports Postgres errors worth retrying: serialization failures,
// deadlocks and advisory-lock timeouts on the per-agent activity chain.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to maxRetries times on retriable errors with
// jittered exponential backoff from baseDelay. Any other error ends the loop
// at once.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = baseDelay
	expo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(max(maxRetries, 0))), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
