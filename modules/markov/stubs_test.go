package markov

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otogi-markov/pkg/markov"
	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

var errStoreUnavailable = errors.New("store unavailable")

// stubStore is an in-memory blob store that fails the next N calls per operation.
type stubStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	failGets    int
	failPuts    int
	failDeletes int

	gets    int
	puts    int
	deletes int
}

func newStubStore() *stubStore {
	return &stubStore{blobs: make(map[string][]byte)}
}

func (s *stubStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	if s.failGets > 0 {
		s.failGets--
		return nil, false, errStoreUnavailable
	}
	data, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}

	return append([]byte(nil), data...), true, nil
}

func (s *stubStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if s.failPuts > 0 {
		s.failPuts--
		return errStoreUnavailable
	}
	s.blobs[key] = append([]byte(nil), data...)

	return nil
}

func (s *stubStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++
	if s.failDeletes > 0 {
		s.failDeletes--
		return errStoreUnavailable
	}
	delete(s.blobs, key)

	return nil
}

func (s *stubStore) setFailures(gets int, puts int, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failGets, s.failPuts, s.failDeletes = gets, puts, deletes
}

func (s *stubStore) blob(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[key]

	return data, ok
}

func (s *stubStore) counts() (gets int, puts int, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gets, s.puts, s.deletes
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// stubGenerator returns canned token sequences and counts calls.
type stubGenerator struct {
	mu            sync.Mutex
	free          []string
	anchored      []string
	freeCalls     int
	anchoredCalls int
}

func (g *stubGenerator) Generate(*markov.Chain) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.freeCalls++

	return g.free
}

func (g *stubGenerator) GenerateFrom(_ *markov.Chain, _ string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.anchoredCalls++

	return g.anchored
}

func fastRetry() *retry.Policy {
	return retry.New(retry.WithBaseDelay(time.Microsecond))
}

func newTestCache(t *testing.T, store otogi.BlobStore, options ...CacheOption) *Cache {
	defaults := []CacheOption{WithRetryPolicy(fastRetry()), WithRandomSeed(42)}
	cache, err := NewCache(store, append(defaults, options...)...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	return cache
}
