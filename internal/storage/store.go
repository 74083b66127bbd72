package storage

import (
	"context"
	"sync"

	"github.com/example/mobility-sync/internal/models"
)

// ServiceStore is the durable shared slot behind the marketplace: the
// authoritative ordered list of service records, keyed by id. It seeds a
// peer's mirror on load and absorbs every mutation as a side channel to
// the broadcast transport, so a peer started later sees prior state
// without waiting for a live event.
type ServiceStore interface {
	ReadAll(ctx context.Context) ([]models.Service, error)
	// Upsert replaces the record matching id or appends if absent.
	// Idempotent; a write older than the stored version is discarded.
	Upsert(ctx context.Context, s models.Service) error
}

// MemoryStore keeps the service list in process memory, in insertion
// order. It backs tests and the broker-less degraded mode.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]models.Service
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]models.Service)}
}

func (m *MemoryStore) ReadAll(ctx context.Context) ([]models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Service, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, s models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[s.ID]
	if ok && s.Version < prev.Version {
		return nil
	}
	if !ok {
		m.order = append(m.order, s.ID)
	}
	m.byID[s.ID] = s
	return nil
}
