package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes bounded exponential reconnect/retry delays.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Feed provides the feed reconnection defaults: 5,10,20,40,60s capped.
func Feed() Backoff {
	return Backoff{
		Min:    5 * time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
	}
}

// Store provides the quote-store retry defaults.
func Store() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    8 * time.Second,
		Factor: 2.0,
	}
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleep waits for the attempt's delay or until the context is done.
// It reports false when the context ended first.
func (b Backoff) Sleep(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(b.Next(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
