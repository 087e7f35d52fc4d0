package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process OutcomeStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	if err := normalize(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	stored := *record
	s.records[record.ID] = &stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *record
	return &out, nil
}

func (s *MemoryStore) ListByKind(ctx context.Context, kind OutcomeKind, limit int) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Kind == kind }, limit)
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subject string) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Subject == subject }, 0)
}

func (s *MemoryStore) list(match func(*Record) bool, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Record
	for _, record := range s.records {
		if match(record) {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.After(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
