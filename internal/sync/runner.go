package sync

import (
	"context"
	"fmt"
	"time"
)

// backoffMaxCap bounds the scheduler's error backoff.
const backoffMaxCap = 1 * time.Hour

// backoffDuration returns the pause after the given number of consecutive
// loop failures: base, then doubling, capped at backoffMaxCap. Returns 0 when
// there have been no failures.
func backoffDuration(base time.Duration, failures int) time.Duration {
	if failures < 1 || base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffMaxCap {
			return backoffMaxCap
		}
	}

	return min(d, backoffMaxCap)
}

// safeRun executes fn, converting a panic into an error so one bad pass
// cannot take down a long-running goroutine.
func safeRun(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", what, r)
		}
	}()

	return fn()
}

// timeSleep waits for d or until ctx is done, whichever comes first.
func timeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
