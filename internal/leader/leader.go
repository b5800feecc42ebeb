// Package leader elects, among multiple same-user engine processes, the
// one responsible for keeping push transports warm. Exactly one leader
// holds the lease at a time; followers are promoted when the holder
// releases it or dies.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Role is the election outcome for this process.
type Role int

const (
	// RoleFollowing means another process holds the lease. Followers may
	// suspend idle transports.
	RoleFollowing Role = iota

	// RoleLeading means this process holds the lease and must keep
	// shared transports warm even when idle.
	RoleLeading
)

func (r Role) String() string {
	if r == RoleLeading {
		return "leading"
	}

	return "following"
}

// Lease is the storage mutex behind the election. The contract is what
// matters: at most one concurrent holder, and a crashed holder's lease
// eventually becomes acquirable again.
type Lease interface {
	// TryAcquire attempts to take the lease without blocking beyond the
	// implementation's own short timeout. Returns true on success.
	TryAcquire(ctx context.Context) (bool, error)

	// Renew refreshes the holder's heartbeat. An error means leadership
	// was lost and the caller must demote itself.
	Renew(ctx context.Context) error

	// Release frees the lease so a follower can be promoted.
	Release() error
}

// Elector runs the election loop and notifies observers of role changes.
type Elector struct {
	lease      Lease
	renewEvery time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	role      Role
	callbacks []func(Role)
}

// New creates an elector over the given lease. renewEvery is both the
// leader's heartbeat interval and the follower's acquisition retry
// interval.
func New(lease Lease, renewEvery time.Duration, logger *slog.Logger) *Elector {
	return &Elector{
		lease:      lease,
		renewEvery: renewEvery,
		logger:     logger,
		role:       RoleFollowing,
	}
}

// IsLeader reports whether this process currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.role == RoleLeading
}

// OnChange registers a callback fired on every role transition. The
// callback is invoked immediately with the current role so late
// registrants observe FOLLOWING rather than nothing.
func (e *Elector) OnChange(cb func(Role)) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, cb)
	role := e.role
	e.mu.Unlock()

	cb(role)
}

// Run participates in the election until the context is cancelled. On
// exit a held lease is released so another process can be promoted
// without waiting for the heartbeat to expire.
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.renewEvery)
	defer ticker.Stop()

	// Contest the election immediately on startup.
	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				if err := e.lease.Release(); err != nil {
					e.logger.Warn("releasing lease on shutdown", slog.String("error", err.Error()))
				}

				e.setRole(RoleFollowing)
			}

			return ctx.Err()

		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick performs one election round: leaders renew, followers attempt
// acquisition.
func (e *Elector) tick(ctx context.Context) {
	if e.IsLeader() {
		if err := e.lease.Renew(ctx); err != nil {
			e.logger.Warn("lost leadership", slog.String("error", err.Error()))
			e.setRole(RoleFollowing)
		}

		return
	}

	acquired, err := e.lease.TryAcquire(ctx)
	if err != nil {
		e.logger.Debug("lease acquisition failed", slog.String("error", err.Error()))
		return
	}

	if acquired {
		e.logger.Info("elected leader")
		e.setRole(RoleLeading)
	}
}

func (e *Elector) setRole(role Role) {
	e.mu.Lock()

	if e.role == role {
		e.mu.Unlock()
		return
	}

	e.role = role
	callbacks := make([]func(Role), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(role)
	}
}
