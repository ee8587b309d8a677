package parties

import (
	"context"
	"slices"
	"sync"
)

// Repository persists party records. The registry keeps the authoritative
// in-memory index and writes through to the repository on every mutation.
type Repository interface {
	LoadAll(ctx context.Context) ([]*Record, error)
	Save(ctx context.Context, record *Record) error
}

// MemoryRepository keeps records in process memory. It backs the registry when
// no database is configured and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
	saves   int
}

func NewMemoryRepository(records ...*Record) *MemoryRepository {
	m := &MemoryRepository{records: make(map[string]*Record, len(records))}
	for _, r := range records {
		m.records[r.Identity.Key()] = r.Clone()
	}
	return m
}

func (m *MemoryRepository) LoadAll(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *Record) int { return CompareIdentity(a.Identity, b.Identity) })
	return out, nil
}

func (m *MemoryRepository) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Identity.Key()] = record.Clone()
	m.saves++
	return nil
}

// Saves returns the number of successful Save calls.
func (m *MemoryRepository) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
