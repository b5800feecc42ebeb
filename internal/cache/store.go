// Package cache is the client-side entity cache and its reconciliation
// rules. Entries are flat field maps; ordered lists group entries under
// a parent whose counter field must move exactly once per membership
// change. All writes funnel through one mutex so every operation
// observes a consistent cache.
package cache

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/urbanwatch/report-sync/internal/telemetry"
)

const engineName = "cache"

// ListRef names an ordered membership list: its key, the parent entry
// owning it, and the parent's counter field kept in lockstep with the
// list (empty CounterField means no counter is coupled).
type ListRef struct {
	Key          string
	ParentID     string
	CounterField string
}

type entry struct {
	fields     map[string]any
	optimistic bool
	// pending marks fields carrying an unconfirmed optimistic value.
	// Server-sourced patches skip them so a stale echo cannot flicker
	// the UI back to the pre-mutation value.
	pending map[string]struct{}
}

type list struct {
	ref ListRef
	ids []string
}

// Options configures a Store.
type Options struct {
	Logger    *slog.Logger
	Telemetry *telemetry.Emitter
}

// Store holds cached entries and ordered lists. Zero value is not
// usable; construct with New.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lists   map[string]*list
	logger  *slog.Logger
	tel     *telemetry.Emitter
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		entries: make(map[string]*entry),
		lists:   make(map[string]*list),
		logger:  opts.Logger,
		tel:     opts.Telemetry,
	}
}

// Store inserts or upserts an entry. For a new entry, optimistic marks
// it as locally created and not yet confirmed by the backend. For an
// existing entry the incoming fields are merged in, except fields
// carrying a pending optimistic value: those keep the local value until
// the mutation settles, so a full server record arriving mid-mutation
// cannot flicker the UI back.
func (s *Store) Store(id string, fields map[string]any, optimistic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.entries[id] = &entry{
			fields:     maps.Clone(fields),
			optimistic: optimistic,
			pending:    make(map[string]struct{}),
		}

		return
	}

	for k, v := range fields {
		if _, held := e.pending[k]; held {
			continue
		}

		e.fields[k] = v
	}
}

// Get returns a copy of the entry's fields.
func (s *Store) Get(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}

	return maps.Clone(e.fields), true
}

// Optimistic reports whether the entry exists and is still tentative.
func (s *Store) Optimistic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]

	return ok && e.optimistic
}

// Patch applies server-sourced field updates. Fields carrying a pending
// optimistic value are skipped; the confirmation, not the echo, settles
// them. Patching a missing entry is a warned no-op: the entry may have
// been evicted or removed concurrently, and resurrecting a partial
// record would corrupt derived state.
func (s *Store) Patch(id string, fields map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.warnMissing("patch", id)
		return false
	}

	for k, v := range fields {
		if _, held := e.pending[k]; held {
			continue
		}

		e.fields[k] = v
	}

	return true
}

// PatchOptimistic applies local field updates ahead of backend
// confirmation and marks them pending so server echoes cannot undo
// them.
func (s *Store) PatchOptimistic(id string, fields map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.warnMissing("optimistic patch", id)
		return false
	}

	for k, v := range fields {
		e.fields[k] = v
		e.pending[k] = struct{}{}
	}

	return true
}

// Confirm settles an optimistic patch with the backend's authoritative
// values: the given fields are written and their pending marks cleared.
// A nil field map clears every pending mark without changing values.
func (s *Store) Confirm(id string, fields map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.warnMissing("confirm", id)
		return false
	}

	if fields == nil {
		clear(e.pending)
		return true
	}

	for k, v := range fields {
		e.fields[k] = v
		delete(e.pending, k)
	}

	return true
}

// Prepend inserts id at the head of the list if it is not already a
// member, moving the coupled counter iff membership changed. Reports
// whether membership changed.
func (s *Store) Prepend(ref ListRef, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(ref, id, true)
}

// Append inserts id at the tail of the list if it is not already a
// member, moving the coupled counter iff membership changed. Reports
// whether membership changed.
func (s *Store) Append(ref ListRef, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(ref, id, false)
}

func (s *Store) insertLocked(ref ListRef, id string, head bool) bool {
	l, ok := s.lists[ref.Key]
	if !ok {
		l = &list{ref: ref}
		s.lists[ref.Key] = l
	}

	if slices.Contains(l.ids, id) {
		return false
	}

	if head {
		l.ids = slices.Insert(l.ids, 0, id)
	} else {
		l.ids = append(l.ids, id)
	}

	s.adjustCounterLocked(l.ref, 1)

	return true
}

// Remove deletes the entry and withdraws it from every list it belongs
// to, decrementing each coupled counter once. It reports whether the
// entry was still optimistic and whether it existed at all.
func (s *Store) Remove(id string) (wasOptimistic, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if ok {
		wasOptimistic = e.optimistic
		delete(s.entries, id)
	}

	for _, l := range s.lists {
		if idx := slices.Index(l.ids, id); idx >= 0 {
			l.ids = slices.Delete(l.ids, idx, idx+1)
			s.adjustCounterLocked(l.ref, -1)
			existed = true
		}
	}

	return wasOptimistic, existed || ok
}

// SwapID renames a tentative entry to its backend-assigned identity:
// the entry moves to newID, picks up the confirmed fields, loses its
// optimistic mark, and keeps its position in every list. A missing
// oldID (the user already removed it) is a silent no-op.
func (s *Store) SwapID(oldID, newID string, fields map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[oldID]
	if !ok {
		return false
	}

	delete(s.entries, oldID)

	for k, v := range fields {
		e.fields[k] = v
	}

	e.optimistic = false
	clear(e.pending)
	s.entries[newID] = e

	for _, l := range s.lists {
		idx := slices.Index(l.ids, oldID)
		if idx < 0 {
			continue
		}

		if slices.Contains(l.ids, newID) {
			// The confirmed identity already joined this list (an echo
			// arrived before the swap), so the tentative slot and its
			// counter contribution are surplus.
			l.ids = slices.Delete(l.ids, idx, idx+1)
			s.adjustCounterLocked(l.ref, -1)
			s.logger.Warn("swap found confirmed id already in list",
				"list", l.ref.Key, "old_id", oldID, "new_id", newID)

			continue
		}

		l.ids[idx] = newID
	}

	return true
}

// List returns a copy of the list's membership in order.
func (s *Store) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[key]
	if !ok {
		return nil
	}

	return slices.Clone(l.ids)
}

// Contains reports whether id is a member of the list.
func (s *Store) Contains(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[key]

	return ok && slices.Contains(l.ids, id)
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// adjustCounterLocked moves the list's coupled counter on its parent
// entry. Callers invoke it exactly once per membership change, which is
// what keeps counters and memberships consistent.
func (s *Store) adjustCounterLocked(ref ListRef, delta int) {
	if ref.CounterField == "" {
		return
	}

	parent, ok := s.entries[ref.ParentID]
	if !ok {
		s.warnMissing("counter adjust", ref.ParentID)
		return
	}

	current, _ := asInt(parent.fields[ref.CounterField])

	next := current + delta
	if next < 0 {
		next = 0
	}

	parent.fields[ref.CounterField] = next
}

func (s *Store) warnMissing(op, id string) {
	s.logger.Warn("cache operation targeted a missing entry", "op", op, "id", id)

	if s.tel != nil {
		s.tel.Emit(telemetry.Event{
			Engine:   engineName,
			Severity: telemetry.SeverityWarning,
			Name:     "missing_entry",
			Payload:  map[string]any{"op": op, "id": id},
		})
	}
}

// asInt normalises the numeric types a counter field may hold after
// JSON decoding.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
