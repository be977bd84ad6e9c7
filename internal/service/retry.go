package service

import (
	"context"
	"errors"
	"time"

	"finledger/internal/storage"
)

// Retry runs fn up to attempts times, retrying only when the failure is lock
// contention (DeadlockOrTimeout). The delay before attempt n is n times base.
// Every other error, and the last contention error, is returned as-is.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, storage.ErrDeadlockOrTimeout) || attempt >= attempts {
			return err
		}

		select {
		case <-time.After(base * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
