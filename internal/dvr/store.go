package dvr

import (
	"slices"
	"sync"
	"time"
)

// Direction selects the order in which units are listed.
type Direction int

const (
	// Forward lists units oldest first.
	Forward Direction = iota
	// Backward lists units newest first.
	Backward
)

// Store is the persistence abstraction for ledger units.
// Implementations can be in-memory or database backed.
// Units are listed in insertion order, which the ledger keeps equal to
// CreatedAt order.
type Store interface {
	// Put stores u under u.Name(), replacing any unit with the same name.
	Put(u Unit) error

	// Get returns the unit stored under name or ErrNotFound.
	Get(name string) (Unit, error)

	// Delete removes the unit stored under name. Deleting a missing unit is a no-op.
	Delete(name string) error

	// List returns a snapshot of stored units in the given direction. If before
	// is non-zero only units with CreatedAt strictly before it are returned.
	List(dir Direction, before time.Time) ([]Unit, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	units []Unit
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(u Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := u.Name()
	if i := s.indexLocked(name); i >= 0 {
		s.units[i] = u
		return nil
	}
	s.units = append(s.units, u)
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(name string) (Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(name); i >= 0 {
		return s.units[i], nil
	}
	return Unit{}, ErrNotFound
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(name); i >= 0 {
		s.units = slices.Delete(s.units, i, i+1)
	}
	return nil
}

// List implements Store.List.
func (s *InMemoryStore) List(dir Direction, before time.Time) ([]Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Unit, 0, len(s.units))
	for _, u := range s.units {
		if !before.IsZero() && !u.CreatedAt.Before(before) {
			continue
		}
		out = append(out, u)
	}
	if dir == Backward {
		slices.Reverse(out)
	}
	return out, nil
}

// indexLocked scans from the newest unit since lookups mostly target recent units.
func (s *InMemoryStore) indexLocked(name string) int {
	for i := len(s.units) - 1; i >= 0; i-- {
		if s.units[i].Name() == name {
			return i
		}
	}
	return -1
}
