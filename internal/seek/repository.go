package seek

import "slices"

// Repository keeps the currently known hooks alongside their insertion order.
// It is not safe for concurrent use; the lobby loop owns it.
type Repository struct {
	order []ID
	byID  map[ID]Hook
}

func NewRepository() *Repository {
	return &Repository{byID: make(map[ID]Hook)}
}

// Upsert inserts h, or replaces the hook with the same id in place.
// Tombstones are stored even when nothing live exists under that id.
func (r *Repository) Upsert(h Hook) {
	if _, found := r.byID[h.ID]; !found {
		r.order = append(r.order, h.ID)
	}
	r.byID[h.ID] = h
}

func (r *Repository) Remove(id ID) {
	if _, found := r.byID[id]; !found {
		return
	}
	delete(r.byID, id)
	if idx := slices.Index(r.order, id); idx >= 0 {
		r.order = slices.Delete(r.order, idx, idx+1)
	}
}

// Reconcile drops every hook whose id is not in ids. It never adds.
func (r *Repository) Reconcile(ids map[ID]struct{}) {
	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := ids[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(r.byID, id)
	}
	clear(r.order[len(kept):])
	r.order = kept
}

// Reset replaces the whole content with hooks, keeping their order.
func (r *Repository) Reset(hooks []Hook) {
	r.order = r.order[:0]
	clear(r.byID)
	for _, h := range hooks {
		r.Upsert(h)
	}
}

// Snapshot returns a copy of the held hooks in insertion order.
func (r *Repository) Snapshot() []Hook {
	out := make([]Hook, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Repository) Get(id ID) (Hook, bool) {
	h, ok := r.byID[id]
	return h, ok
}

func (r *Repository) Len() int { return len(r.order) }

// Tombstones returns the ids of held cancel hooks, in order.
func (r *Repository) Tombstones() []ID {
	var ids []ID
	for _, id := range r.order {
		if r.byID[id].IsTombstone() {
			ids = append(ids, id)
		}
	}
	return ids
}
