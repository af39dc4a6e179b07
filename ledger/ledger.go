// Package ledger counts free-tier usage per identity per time window. The
// Access Gate consults it before issuing a challenge; the increment and the
// limit check are one atomic step so concurrent requests cannot both slip
// under the limit.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Store is an atomic check-and-increment counter. Allow reports whether the
// key had allowance remaining in its current window, incrementing the count
// when it did.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type entry struct {
	count       int
	windowStart time.Time
}

// MemoryStore keeps counters in process memory. Windows reset lazily on the
// first request after they elapse.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	// now is replaceable for tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.Sub(e.windowStart) > window {
		e = &entry{windowStart: now}
		s.entries[key] = e
	}
	if e.count >= limit {
		return false, nil
	}
	e.count++
	return true, nil
}

// Len reports the number of tracked identities.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
