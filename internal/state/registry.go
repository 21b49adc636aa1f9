package state

import "github.com/google/uuid"

// ActiveRegistry is a dense list of active identities with an index map.
// Add and Remove are O(1); removal swaps the last element into the hole.
type ActiveRegistry struct {
	ids    []uuid.UUID
	index  map[uuid.UUID]int
	cursor int
}

func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{
		index: make(map[uuid.UUID]int),
	}
}

// Add inserts id; returns false if already present
func (r *ActiveRegistry) Add(id uuid.UUID) bool {
	if _, ok := r.index[id]; ok {
		return false
	}
	r.index[id] = len(r.ids)
	r.ids = append(r.ids, id)
	return true
}

// Remove deletes id; returns false if absent. A hole behind the cursor is
// filled from the visited side so the swapped-in last element is still ahead
// of the cursor in the current rotation.
func (r *ActiveRegistry) Remove(id uuid.UUID) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	if i < r.cursor && r.cursor <= len(r.ids) {
		c := r.cursor - 1
		if c != i {
			visited := r.ids[c]
			r.ids[i] = visited
			r.index[visited] = i
			i = c
		}
		r.cursor = c
	}
	last := len(r.ids) - 1
	if i != last {
		moved := r.ids[last]
		r.ids[i] = moved
		r.index[moved] = i
	}
	r.ids = r.ids[:last]
	delete(r.index, id)
	return true
}

func (r *ActiveRegistry) Contains(id uuid.UUID) bool {
	_, ok := r.index[id]
	return ok
}

func (r *ActiveRegistry) Len() int {
	return len(r.ids)
}

// Next returns up to limit identities starting at the rotating cursor and
// advances it, so repeated calls cover the whole set.
func (r *ActiveRegistry) Next(limit int) []uuid.UUID {
	out := r.Peek(limit)
	if len(out) > 0 {
		r.cursor = (r.start() + len(out)) % len(r.ids)
	}
	return out
}

// Peek returns what Next would return without advancing the cursor
func (r *ActiveRegistry) Peek(limit int) []uuid.UUID {
	n := len(r.ids)
	if n == 0 || limit <= 0 {
		return nil
	}
	if limit > n {
		limit = n
	}

	start := r.start()
	out := make([]uuid.UUID, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, r.ids[(start+i)%n])
	}
	return out
}

func (r *ActiveRegistry) start() int {
	if r.cursor >= len(r.ids) {
		return 0
	}
	return r.cursor
}

// IDs returns a copy of all members
func (r *ActiveRegistry) IDs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *ActiveRegistry) clone() *ActiveRegistry {
	c := &ActiveRegistry{
		ids:    make([]uuid.UUID, len(r.ids)),
		index:  make(map[uuid.UUID]int, len(r.index)),
		cursor: r.cursor,
	}
	copy(c.ids, r.ids)
	for k, v := range r.index {
		c.index[k] = v
	}
	return c
}
