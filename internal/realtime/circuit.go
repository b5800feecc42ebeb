package realtime

import (
	"sync"
	"time"
)

// circuitBreaker trips after a configured number of consecutive
// delivery failures inside a sliding window, signalling downstream
// consumers to stop trusting push delivery and fall back to polling.
// It closes again after the cooldown elapses or on the next successful
// round-trip.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	failures    int
	windowStart time.Time
	openedAt    time.Time
	tripped     bool
}

func newCircuitBreaker(threshold int, window, cooldown time.Duration) *circuitBreaker {
	if threshold < 1 {
		threshold = 1
	}

	return &circuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// RecordFailure counts one failed delivery and reports whether this
// failure tripped the breaker open.
func (b *circuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.failures == 0 || now.Sub(b.windowStart) > b.window {
		b.failures = 0
		b.windowStart = now
	}

	b.failures++
	if b.failures >= b.threshold && !b.tripped {
		b.tripped = true
		b.openedAt = now

		return true
	}

	return false
}

// RecordSuccess closes the breaker and resets the failure run.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.tripped = false
}

// Open reports whether the breaker is currently open. An open breaker
// whose cooldown has elapsed closes itself on observation.
func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return false
	}

	if time.Since(b.openedAt) >= b.cooldown {
		b.tripped = false
		b.failures = 0

		return false
	}

	return true
}
