// Package backoff provides exponential backoff with full jitter and
// cancellable waits for the pipeline's polling loops and job retries.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrTimeout is returned by Poll when maxWait elapses before the condition holds.
var ErrTimeout = errors.New("backoff: wait exceeded")

const defaultMin = 100 * time.Millisecond

// Backoff computes retry delays. Zero Min floors delays at 100ms to avoid
// busy-looping.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	Min  time.Duration
}

// Delay returns random(0, min(Max, Base*2^(attempt-1))), floored at Min.
// attempt starts at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && exp > float64(b.Max) {
		exp = float64(b.Max)
	}

	jittered := time.Duration(rand.Float64() * exp)

	floor := b.Min
	if floor == 0 {
		floor = defaultMin
	}
	if jittered < floor {
		jittered = floor
	}
	return jittered
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll calls fn until it reports done, sleeping b.Delay(attempt) between
// calls. It gives up with ErrTimeout once maxWait has passed; a non-positive
// maxWait polls until ctx is done.
func Poll(ctx context.Context, b Backoff, maxWait time.Duration, fn func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		delay := b.Delay(attempt)
		if maxWait > 0 {
			remaining := maxWait - time.Since(start)
			if remaining <= 0 {
				return ErrTimeout
			}
			if delay > remaining {
				delay = remaining
			}
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
