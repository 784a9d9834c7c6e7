package approval

import (
	"context"
	"time"
)

// Backoff computes the delay before retry attempt n (1-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles from Base up to Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	delay := base << (attempt - 1)
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		return b.Max
	}
	return delay
}

// DefaultBackoff is used when no backoff option is given.
func DefaultBackoff() Backoff {
	return ExponentialBackoff{Base: 10 * time.Millisecond, Max: 500 * time.Millisecond}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
