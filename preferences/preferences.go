// Package preferences stores the binding mode of each handle.
package preferences

import (
	"errors"
	"sort"
	"sync"

	"github.com/sarchlab/bindctl/binding"
)

// ErrClosed is returned by a store that has been closed.
var ErrClosed = errors.New("preferences store closed")

// A Store is a binding.Preferences that can also list and close.
type Store interface {
	binding.Preferences

	// All returns every stored mode keyed by handle ID.
	All() (map[string]binding.Mode, error)

	// Close releases the store.
	Close() error
}

// MemoryStore keeps modes in memory. The zero value is not usable; use
// NewMemoryStore.
type MemoryStore struct {
	sync.Mutex
	modes  map[string]binding.Mode
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{modes: make(map[string]binding.Mode)}
}

// Mode returns the stored mode, or ModeUnset for unknown handles.
func (s *MemoryStore) Mode(handleID string) (binding.Mode, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return binding.ModeUnset, ErrClosed
	}

	return s.modes[handleID], nil
}

// SetMode stores the mode of a handle.
func (s *MemoryStore) SetMode(handleID string, mode binding.Mode) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.modes[handleID] = mode

	return nil
}

// All returns a copy of the stored modes.
func (s *MemoryStore) All() (map[string]binding.Mode, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	all := make(map[string]binding.Mode, len(s.modes))
	for id, m := range s.modes {
		all[id] = m
	}

	return all, nil
}

// Close makes further calls fail.
func (s *MemoryStore) Close() error {
	s.Lock()
	defer s.Unlock()

	s.closed = true

	return nil
}

// SortedIDs returns the keys of modes in order.
func SortedIDs(modes map[string]binding.Mode) []string {
	ids := make([]string, 0, len(modes))
	for id := range modes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
