package cache

import (
	"maps"
	"slices"
)

// Snapshot is a point-in-time copy of selected entries and lists, taken
// before an optimistic mutation so a failed network call can roll the
// cache back. Absence is captured too: restoring deletes anything that
// did not exist at snapshot time.
type Snapshot struct {
	entries map[string]*entry
	lists   map[string]*list
}

// Snapshot captures the named entries and lists. Counters live on
// parent entries, so callers must include each list's parent in ids for
// the rollback to restore the counter as well.
func (s *Store) Snapshot(ids []string, listKeys []string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		entries: make(map[string]*entry, len(ids)),
		lists:   make(map[string]*list, len(listKeys)),
	}

	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			snap.entries[id] = &entry{
				fields:     maps.Clone(e.fields),
				optimistic: e.optimistic,
				pending:    maps.Clone(e.pending),
			}
		} else {
			snap.entries[id] = nil
		}
	}

	for _, key := range listKeys {
		if l, ok := s.lists[key]; ok {
			snap.lists[key] = &list{ref: l.ref, ids: slices.Clone(l.ids)}
		} else {
			snap.lists[key] = nil
		}
	}

	return snap
}

// Restore reinstates exactly the state the snapshot captured for its
// entries and lists, leaving everything else untouched.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range snap.entries {
		if e == nil {
			delete(s.entries, id)
			continue
		}

		s.entries[id] = &entry{
			fields:     maps.Clone(e.fields),
			optimistic: e.optimistic,
			pending:    maps.Clone(e.pending),
		}
	}

	for key, l := range snap.lists {
		if l == nil {
			delete(s.lists, key)
			continue
		}

		s.lists[key] = &list{ref: l.ref, ids: slices.Clone(l.ids)}
	}
}
