// Package backoff computes reconnect delay sequences for a failed push
// transport. The policy is pure state: no timers, no goroutines.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultInitial is the delay for the first reconnect attempt.
	DefaultInitial = 5 * time.Second

	// DefaultMax is the ceiling for the computed delay.
	DefaultMax = 5 * time.Minute

	// multiplier is the exponential growth factor applied after each
	// consecutive failure.
	multiplier = 2

	// jitterDivisor controls the range of random jitter added to each
	// delay: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// Policy produces a monotonically non-decreasing delay sequence between
// Reset calls: exponential growth with jitter, capped at Max. Not safe
// for concurrent use; each channel owns its own policy.
type Policy struct {
	initial time.Duration
	max     time.Duration

	base     time.Duration
	last     time.Duration
	attempts int
}

// New creates a policy with the given initial and maximum delays.
// Non-positive values fall back to the defaults.
func New(initial, maxDelay time.Duration) *Policy {
	if initial <= 0 {
		initial = DefaultInitial
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}

	return &Policy{initial: initial, max: maxDelay}
}

// NextDelay returns the delay to wait before the next reconnect attempt
// and advances the sequence. Successive calls without Reset never return
// a smaller delay than the previous call.
func (p *Policy) NextDelay() time.Duration {
	if p.base == 0 {
		p.base = p.initial
	}

	jitter := time.Duration(rand.Int64N(int64(p.base) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter has no security impact

	delay := p.base + jitter
	if delay > p.max {
		delay = p.max
	}

	// Clamp so jitter near the cap cannot make the sequence decrease.
	if delay < p.last {
		delay = p.last
	}

	p.last = delay
	p.attempts++

	next := p.base * multiplier
	if next > p.max {
		next = p.max
	}

	p.base = next

	return delay
}

// Reset restores the initial delay and zeroes the attempt counter.
// Called on every successful transport open.
func (p *Policy) Reset() {
	p.base = 0
	p.last = 0
	p.attempts = 0
}

// Attempts returns the number of NextDelay calls since the last Reset.
// Reported with each reconnect attempt for telemetry.
func (p *Policy) Attempts() int {
	return p.attempts
}
