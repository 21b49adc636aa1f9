package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPositionExists   = errors.New("identity already has an active position")
	ErrNoActivePosition = errors.New("identity has no active position")
)

// PositionStore holds positions keyed by identity together with the active
// registry. A position is active exactly when its identity is registered.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]*Position
	registry  *ActiveRegistry

	// charged remembers captured guarantees by identity so a settlement
	// rollback never clears a confirmed capture.
	charged map[uuid.UUID]string
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[uuid.UUID]*Position),
		registry:  NewActiveRegistry(),
		charged:   make(map[uuid.UUID]string),
	}
}

// Get returns a copy of the position for identity
func (s *PositionStore) Get(id uuid.UUID) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Create inserts a new active position and registers the identity
func (s *PositionStore) Create(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.Identity]; ok && existing.IsActive {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Identity)
	}

	p.IsActive = true
	p.Version = 1
	s.positions[p.Identity] = &p
	s.registry.Add(p.Identity)
	return nil
}

// Update mutates an active position in place
func (s *PositionStore) Update(id uuid.UUID, fn func(p *Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || !p.IsActive {
		return fmt.Errorf("%w: %s", ErrNoActivePosition, id)
	}
	next := *p
	if err := fn(&next); err != nil {
		return err
	}
	next.Version++
	*p = next
	return nil
}

// Transition moves an active position along the status state machine
func (s *PositionStore) Transition(id uuid.UUID, to PositionStatus) error {
	return s.Update(id, func(p *Position) error {
		if !p.Status.CanTransitionTo(to) {
			return fmt.Errorf("invalid position transition %s -> %s", p.Status, to)
		}
		p.Status = to
		return nil
	})
}

// Delete clears the position record and unregisters the identity
func (s *PositionStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	delete(s.charged, id)
	s.registry.Remove(id)
}

// MarkGuaranteeCharged flips GuaranteeCharged if the active position still
// carries reference. Returns false when the position is gone or replaced.
func (s *PositionStore) MarkGuaranteeCharged(id uuid.UUID, reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || !p.IsActive || p.GuaranteeReference != reference {
		return false
	}
	p.GuaranteeCharged = true
	p.Version++
	s.charged[id] = reference
	return true
}

// FindUnchargedByReference returns the active position holding reference
// whose guarantee has not been charged yet.
func (s *PositionStore) FindUnchargedByReference(reference string) (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.positions {
		if p.IsActive && !p.GuaranteeCharged && p.GuaranteeReference == reference {
			return id, true
		}
	}
	return uuid.Nil, false
}

// PeekActive is ScanActive without advancing the cursor
func (s *PositionStore) PeekActive(limit int, pred func(p *Position) bool) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for _, id := range s.registry.Peek(limit) {
		if p, ok := s.positions[id]; ok && pred(p) {
			out = append(out, id)
		}
	}
	return out
}

// IsChargeable reports whether identity's guarantee may be captured at now
func (s *PositionStore) IsChargeable(id uuid.UUID, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return ok && s.registry.Contains(id) && p.IsChargeable(now)
}

// ScanActive examines at most limit registered identities from the rotating
// cursor and returns those matching pred.
func (s *PositionStore) ScanActive(limit int, pred func(p *Position) bool) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uuid.UUID
	for _, id := range s.registry.Next(limit) {
		if p, ok := s.positions[id]; ok && pred(p) {
			out = append(out, id)
		}
	}
	return out
}

// ActiveCount returns the number of registered identities
func (s *PositionStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Len()
}

// IsRegistered reports registry membership
func (s *PositionStore) IsRegistered(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Contains(id)
}

// Checkpoint captures positions, registry and charged marks. The returned
// function restores them while keeping captures confirmed in the meantime.
func (s *PositionStore) Checkpoint() func() {
	s.mu.RLock()
	positions := s.copyPositions()
	registry := s.registry.clone()
	charged := make(map[uuid.UUID]string, len(s.charged))
	for k, v := range s.charged {
		charged[k] = v
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		for k, v := range s.charged {
			charged[k] = v
		}
		for id, ref := range charged {
			if p, ok := positions[id]; ok && p.GuaranteeReference == ref {
				p.GuaranteeCharged = true
			}
		}
		s.positions = positions
		s.registry = registry
		s.charged = charged
	}
}

// Snapshot returns copies of all positions
func (s *PositionStore) Snapshot() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, id := range s.registry.IDs() {
		if p, ok := s.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Restore replaces the store contents with the given active positions
func (s *PositionStore) Restore(positions []Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[uuid.UUID]*Position, len(positions))
	s.registry = NewActiveRegistry()
	s.charged = make(map[uuid.UUID]string)
	for i := range positions {
		p := positions[i]
		if !p.IsActive {
			continue
		}
		s.positions[p.Identity] = &p
		s.registry.Add(p.Identity)
		if p.GuaranteeCharged {
			s.charged[p.Identity] = p.GuaranteeReference
		}
	}
}

func (s *PositionStore) copyPositions() map[uuid.UUID]*Position {
	out := make(map[uuid.UUID]*Position, len(s.positions))
	for k, v := range s.positions {
		c := *v
		out[k] = &c
	}
	return out
}
