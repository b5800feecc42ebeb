// Package mutate implements the optimistic mutation controllers: apply
// locally first, confirm or roll back when the backend answers. Each
// operation returns the tentative state change synchronously and a done
// channel that resolves with the network outcome.
package mutate

import "sync"

// PendingRegistry tracks optimistic creations whose backend identity is
// not yet known, so a user deleting a tentative entry can cancel the
// mutation instead of racing the confirmation.
type PendingRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingMutation
}

type pendingMutation struct {
	cancelled bool
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{pending: make(map[string]*pendingMutation)}
}

// Register tracks a tentative identity until its mutation completes.
func (r *PendingRegistry) Register(tentativeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[tentativeID] = &pendingMutation{}
}

// Cancel marks an in-flight mutation as cancelled and reports whether
// the tentative identity was still pending. A cancelled mutation skips
// its cache confirmation and compensates on the backend if the create
// already landed.
func (r *PendingRegistry) Cancel(tentativeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[tentativeID]
	if !ok {
		return false
	}

	p.cancelled = true

	return true
}

// Complete removes the tentative identity and reports whether the
// mutation was cancelled while in flight.
func (r *PendingRegistry) Complete(tentativeID string) (cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[tentativeID]
	if !ok {
		return false
	}

	delete(r.pending, tentativeID)

	return p.cancelled
}

// Pending reports whether the tentative identity is still in flight.
func (r *PendingRegistry) Pending(tentativeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.pending[tentativeID]

	return ok
}
