package relay

import (
	"sync"
	"time"
)

// BreakerState is the state of a channel's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker pauses sends to a channel after a run of consecutive failures.
// After the cooldown a single probe is let through; its result either
// closes the breaker or opens it for another cooldown.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker. A threshold below 1 disables it.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now, state: BreakerClosed}
}

// Allow returns zero when a send may proceed, otherwise how long to wait
// before asking again.
func (b *Breaker) Allow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return 0
	}
	wait := b.openedAt.Add(b.cooldown).Sub(b.now())
	if wait > 0 {
		return wait
	}
	b.state = BreakerHalfOpen
	return 0
}

// OnSuccess closes the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// OnFailure counts a failure and reports whether the breaker just opened.
func (b *Breaker) OnFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold < 1 {
		return false
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		wasOpen := b.state == BreakerOpen
		b.state = BreakerOpen
		b.openedAt = b.now()
		return !wasOpen
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
