package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

type MemoryRepository struct {
	mu   sync.RWMutex
	recs map[string]SessionRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]SessionRecord)}
}

func (m *MemoryRepository) Create(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "session %s", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return SessionRecord{}, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	return rec, nil
}

func (m *MemoryRepository) ListActive(_ context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := lo.Filter(lo.Values(m.recs), func(r SessionRecord, _ int) bool { return r.Active() })
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (m *MemoryRepository) MarkEnded(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if rec.EndedAt == nil {
		at = at.UTC()
		rec.EndedAt = &at
		m.recs[id] = rec
	}
	return nil
}
