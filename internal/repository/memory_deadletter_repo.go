package repository

import (
	"context"
	"sync"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// MemoryDeadLetterRepository keeps dead letters in a fixed-size ring.
type MemoryDeadLetterRepository struct {
	mu    sync.RWMutex
	ring  []domain.DeadLetter
	next  int
	count int

	// Optional error override for tests exercising failure paths.
	AddErr error
}

func NewMemoryDeadLetterRepository(capacity int) *MemoryDeadLetterRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetterRepository{ring: make([]domain.DeadLetter, capacity)}
}

var _ DeadLetterRepository = (*MemoryDeadLetterRepository)(nil)

func (m *MemoryDeadLetterRepository) Add(_ context.Context, dl domain.DeadLetter) error {
	if m.AddErr != nil {
		return m.AddErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = dl
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	return nil
}

func (m *MemoryDeadLetterRepository) List(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]domain.DeadLetter, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out, nil
}

func (m *MemoryDeadLetterRepository) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.count), nil
}
