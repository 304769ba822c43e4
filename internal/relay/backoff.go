package relay

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: Initial*2^(attempt-1) plus up to the same
// amount of random jitter, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	rnd     func(n int64) int64
}

// NewBackoff creates a backoff policy.
func NewBackoff(initial, maxDelay time.Duration) Backoff {
	return Backoff{Initial: initial, Max: maxDelay, rnd: rand.Int63n}
}

// Delay returns the wait before retry number attempt (1 based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Initial
	for i := 1; i < attempt && base < b.Max; i++ {
		base *= 2
	}
	if base > b.Max {
		base = b.Max
	}
	delay := base
	if base > 0 && b.rnd != nil {
		delay += time.Duration(b.rnd(int64(base)))
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
