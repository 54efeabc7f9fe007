package cache

import (
	"context"
	"sync"
	"time"

	"github.com/geosight/geosight/internal/models"
)

// Store defines the interface for result bundle storage backends.
// Get returns a bundle if present and not past its staleness deadline.
// Set installs a bundle with a TTL, replacing any prior entry for the key.
// Delete and Flush back explicit invalidation.
type Store interface {
	Get(ctx context.Context, key string) (models.ResultBundle, bool, error)
	Set(ctx context.Context, key string, value models.ResultBundle, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// InMemoryStore implements Store using a map with TTL-based expiration.
// Stale entries are removed on access. Safe for concurrent use.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]storeEntry
}

// storeEntry pairs a cached bundle with its staleness deadline.
type storeEntry struct {
	value     models.ResultBundle
	expiresAt time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]storeEntry),
	}
}

// Get retrieves the bundle for key if present and not stale.
// Returns (bundle, true, nil) on hit, (zero, false, nil) on miss or staleness.
// Stale entries are removed on access.
func (s *InMemoryStore) Get(ctx context.Context, key string) (models.ResultBundle, bool, error) {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return models.ResultBundle{}, false, nil
	}

	if expiredAt(time.Now(), entry.expiresAt) {
		s.mu.Lock()
		// Re-check under write lock; a Set may have replaced the entry.
		if cur, ok := s.data[key]; ok && expiredAt(time.Now(), cur.expiresAt) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return models.ResultBundle{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores the bundle with the given TTL, replacing any prior entry.
func (s *InMemoryStore) Set(ctx context.Context, key string, value models.ResultBundle, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = storeEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes the entry for key. No-op if absent.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Flush removes every entry.
func (s *InMemoryStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]storeEntry)
	return nil
}

// expiredAt reports whether a staleness deadline has passed. The deadline
// instant itself counts as stale: an entry with TTL T is a miss at exactly
// t0+T, not only after it. Shared by every store backend.
func expiredAt(now, deadline time.Time) bool {
	return !now.Before(deadline)
}

// Len returns the number of entries including stale ones not yet swept.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
