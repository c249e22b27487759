package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.RWMutex
	online map[string]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{online: make(map[string]time.Time)}
}

func (s *memoryStore) MarkOnline(ctx context.Context, identity string, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[identity] = since
	return nil
}

func (s *memoryStore) MarkOffline(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, identity)
	return nil
}

func (s *memoryStore) Touch(ctx context.Context, identity string) error {
	return nil
}

func (s *memoryStore) Online(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	return nil
}
