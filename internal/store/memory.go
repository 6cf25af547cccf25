package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Duet/internal/domain"
)

// memoryStore is a threadsafe in-process Store. Used when no redis is
// configured and throughout the tests.
type memoryStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.MessageRecord
	byRoom map[domain.RoomID][]string
}

func NewMemory() Store {
	return &memoryStore{
		byID:   make(map[string]domain.MessageRecord),
		byRoom: make(map[domain.RoomID][]string),
	}
}

func (s *memoryStore) Put(ctx context.Context, rec domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return ErrExists
	}
	s.byID[rec.ID] = rec
	s.byRoom[rec.RoomID] = append(s.byRoom[rec.RoomID], rec.ID)
	return nil
}

func (s *memoryStore) GetByID(ctx context.Context, id string) (domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return domain.MessageRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRoom[roomID]
	out := make([]domain.MessageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memoryStore) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if patch.DeliveredAt != nil {
		rec.DeliveredAt = patch.DeliveredAt
	}
	if patch.ReadAt != nil {
		rec.ReadAt = patch.ReadAt
	}
	s.byID[id] = rec
	return nil
}

func (s *memoryStore) DeleteByRoom(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byRoom[roomID] {
		delete(s.byID, id)
	}
	delete(s.byRoom, roomID)
	return nil
}
