package spur

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

const (
	storeWriteAttempts  = 3
	storeWriteBaseDelay = 50 * time.Millisecond
)

// retryCall calls fn up to maxAttempts times, sleeping between failures.
// Only used for idempotent operations; upserts keyed on stable identities
// make a repeated write safe. Validation-shaped errors are never retried.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, op string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !retryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying failed write",
			"op", op,
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryBackoff(base, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"op", op,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryStoreWrite is retryCall specialized for Store mutations with the
// default attempt count.
func retryStoreWrite(ctx context.Context, op string, logger *slog.Logger, fn func() error) error {
	_, err := retryCall(ctx, storeWriteAttempts, storeWriteBaseDelay, op, logger, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// retryable reports whether an error is worth another attempt. Context
// cancellation, not-found, and validation failures are permanent.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nf *ErrNotFound
	if errors.As(err, &nf) {
		return false
	}
	var ve *ErrValidation
	return !errors.As(err, &ve)
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
