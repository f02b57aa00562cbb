package study

import (
	"context"
	"fmt"
	"sync"
)

// MaterialStore persists study materials.
// Implementations must be safe for concurrent use.
type MaterialStore interface {
	// Add inserts a new material. The material is validated before insertion.
	// Returns an error if a material with the same ID already exists.
	Add(ctx context.Context, m *Material) error

	// Get retrieves a material by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Material, error)

	// List returns all materials, newest first.
	List(ctx context.Context) ([]Material, error)

	// Delete removes a material by ID. Deleting a non-existent material is
	// not an error.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process [MaterialStore] used when no database is
// configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Material // newest first
}

var _ MaterialStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add implements [MaterialStore].
func (s *MemoryStore) Add(_ context.Context, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.ID == m.ID {
			return fmt.Errorf("study: material with id %q already exists", m.ID)
		}
	}
	s.items = append([]Material{*m}, s.items...)
	return nil
}

// Get implements [MaterialStore].
func (s *MemoryStore) Get(_ context.Context, id string) (*Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.items {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

// List implements [MaterialStore].
func (s *MemoryStore) List(_ context.Context) ([]Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Material, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Delete implements [MaterialStore].
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.items {
		if m.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}
