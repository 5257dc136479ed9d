package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"logogen/pkg/domain"
)

// MemoryStore keeps generation records in-process.
type MemoryStore struct {
	mu     sync.RWMutex
	gens   map[string]domain.Generation
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gens: make(map[string]domain.Generation)}
}

// Create stores a new record and tracks insertion order.
func (m *MemoryStore) Create(_ context.Context, gen domain.Generation) (domain.Generation, error) {
	gen = prepareCreate(gen)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.gens[gen.ID]; exists {
		return domain.Generation{}, fmt.Errorf("generation %s already exists", gen.ID)
	}
	m.gens[gen.ID] = gen
	m.orders = append(m.orders, gen.ID)
	return gen, nil
}

// Get returns a record by ID.
func (m *MemoryStore) Get(_ context.Context, id string) (domain.Generation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gen, ok := m.gens[id]
	return gen, ok, nil
}

// Update merges patch into the record under the write lock.
func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) (domain.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.gens[id]
	if !ok {
		return domain.Generation{}, domain.ErrNotFound
	}
	if patch.IfStatus != nil && gen.Status != *patch.IfStatus {
		return domain.Generation{}, domain.ErrConflict
	}
	gen = apply(gen, patch, time.Now().UTC())
	m.gens[id] = gen
	return gen, nil
}

// Delete removes a record if present.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gens[id]; !ok {
		return nil
	}
	delete(m.gens, id)
	for i, oid := range m.orders {
		if oid == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return nil
}

// ListRecent returns records newest first.
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]domain.Generation, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Generation, 0, min(limit, len(m.orders)))
	for i := len(m.orders) - 1; i >= 0 && len(res) < limit; i-- {
		if g, ok := m.gens[m.orders[i]]; ok {
			res = append(res, g)
		}
	}
	return res, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
