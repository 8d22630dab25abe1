package router

import (
	"math/rand/v2"
	"time"
)

// Default retry backoff bounds
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 30 * time.Minute
)

// Backoff computes the delay before a failed work item is dispatched again
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a factor in [0.8, 1.2); nil uses math/rand
	Jitter func() float64
}

// Delay returns base·2^(attempt-1) with ±20% jitter, capped at Max.
// attempt is the number of attempts made so far, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = func() float64 { return 0.8 + rand.Float64()*0.4 }
	}
	delay = time.Duration(float64(delay) * jitter())

	if delay > limit {
		return limit
	}
	return delay
}
