package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/containerd/errdefs"
)

const (
	retryAttempts = 3
	retryBaseWait = 500 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times with exponential backoff,
// bounded by ctx. Permanent orchestrator errors fail immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

// IsNameConflict reports whether err is a create failure caused by an
// existing container with the same name.
func IsNameConflict(err error) bool {
	return errdefs.IsAlreadyExists(err)
}

// isTransient classifies orchestrator failures. Name conflicts, missing
// objects and bad arguments are permanent; everything else (connection
// resets, 5xx, timeouts) is worth retrying.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errdefs.IsNotFound(err), errdefs.IsAlreadyExists(err), errdefs.IsInvalidArgument(err):
		return false
	}
	return true
}
