package auth

import (
	"context"
	"sync"
	"time"
)

type pendingEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryPendingStore is a thread-safe in-memory PendingStore.
// Entries are lost on server restart.
type MemoryPendingStore struct {
	mu   sync.Mutex
	data map[PendingKind]map[string]pendingEntry
	now  func() time.Time
}

var _ PendingStore = (*MemoryPendingStore)(nil)

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		data: make(map[PendingKind]map[string]pendingEntry),
		now:  time.Now,
	}
}

func (s *MemoryPendingStore) Put(_ context.Context, kind PendingKind, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[kind] == nil {
		s.data[kind] = make(map[string]pendingEntry)
	}
	s.data[kind][key] = pendingEntry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	return nil
}

func (s *MemoryPendingStore) lookupLocked(kind PendingKind, key string) ([]byte, error) {
	e, ok := s.data[kind][key]
	if !ok {
		return nil, ErrPendingNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data[kind], key)
		return nil, ErrPendingNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryPendingStore) Get(_ context.Context, kind PendingKind, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(kind, key)
}

func (s *MemoryPendingStore) Take(_ context.Context, kind PendingKind, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookupLocked(kind, key)
	if err != nil {
		return nil, err
	}
	delete(s.data[kind], key)
	return v, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, kind PendingKind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[kind], key)
	return nil
}

// Sweep drops expired entries.
func (s *MemoryPendingStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, entries := range s.data {
		for k, e := range entries {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(entries, k)
				n++
			}
		}
	}
	return n
}
