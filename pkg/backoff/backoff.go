// Package backoff implements the exponential backoff schedule shared by
// stat-binary retries, file-transfer retries, and Dashboard registration
// retries (spec: initial 1s, factor 2, cap 60s).
package backoff

import (
	"context"
	"time"
)

// Schedule describes an exponential backoff with a cap and a maximum
// attempt count.
type Schedule struct {
	Initial    time.Duration
	Factor     float64
	Cap        time.Duration
	MaxAttempts int
}

// Default is the schedule spec §4.E and §4.F both reference.
var Default = Schedule{
	Initial:     time.Second,
	Factor:      2,
	Cap:         60 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the backoff delay that follows failed attempt n
// (1-indexed: the delay before the first retry, i.e. after attempt 1
// failed, is Delay(1)).
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.Initial)
	for i := 1; i < attempt; i++ {
		d *= s.Factor
		if time.Duration(d) >= s.Cap {
			return s.Cap
		}
	}
	delay := time.Duration(d)
	if delay > s.Cap {
		delay = s.Cap
	}
	return delay
}

// Retry calls fn until it returns a nil error, retryable==false, or the
// schedule's MaxAttempts is exhausted. fn reports whether a non-nil error
// is worth retrying. Retry sleeps between attempts unless ctx is
// cancelled, in which case it returns ctx.Err() immediately.
func Retry(ctx context.Context, s Schedule, fn func(attempt int) (retryable bool, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == s.MaxAttempts {
			return lastErr
		}

		timer := time.NewTimer(s.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
