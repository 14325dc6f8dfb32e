package swr

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-swr/logger"
	"github.com/saiset-co/sai-swr/types"
)

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

// fakeStore is an in-memory types.CacheStore double with injectable Set
// failures, used to exercise the coordinator and manager without a real
// backend.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
	setErr  error
	sets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*types.CacheEntry)}
}

func (s *fakeStore) Start() error    { return nil }
func (s *fakeStore) Stop() error     { return nil }
func (s *fakeStore) IsRunning() bool { return true }

func (s *fakeStore) Get(key string) (*types.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.entries[key]
	return entry, found
}

func (s *fakeStore) Set(key string, entry *types.CacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = entry
	return nil
}

func (s *fakeStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.entries[key]
	return found
}

func (s *fakeStore) entry(key string) *types.CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

func (s *fakeStore) put(entry *types.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
}

func (s *fakeStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

// waitUntil polls cond until it reports true or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
