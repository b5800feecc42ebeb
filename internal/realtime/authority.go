package realtime

import "sync"

// authorityLog remembers the identities of the most recently processed
// events so re-deliveries (reconnect replays, overlapping channel
// subscriptions) are processed at most once. It is a fixed-capacity
// ring: once full, witnessing a new identity evicts the oldest one.
type authorityLog struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	next     int
	seen     map[string]struct{}
}

func newAuthorityLog(capacity int) *authorityLog {
	if capacity < 1 {
		capacity = 1
	}

	return &authorityLog{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Witness records id and reports whether it was seen for the first
// time. A false return means the event is a duplicate and must not be
// dispatched again.
func (l *authorityLog) Witness(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[id]; dup {
		return false
	}

	if len(l.ring) < l.capacity {
		l.ring = append(l.ring, id)
	} else {
		delete(l.seen, l.ring[l.next])
		l.ring[l.next] = id
		l.next = (l.next + 1) % l.capacity
	}

	l.seen[id] = struct{}{}

	return true
}

// Len reports how many identities are currently remembered.
func (l *authorityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.seen)
}
