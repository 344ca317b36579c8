package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// sessionLocks lazily creates a *sync.Mutex per session ID and bounds the
// number of distinct sessions tracked at once with an LRU, so a long-lived
// process doesn't accumulate one mutex per session forever (spec §5: "a
// map SessionId → Mutex ... lazily created and collected by LRU").
type sessionLocks struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *sync.Mutex]
}

func newSessionLocks(size int) (*sessionLocks, error) {
	c, err := lru.New[string, *sync.Mutex](size)
	if err != nil {
		return nil, err
	}
	return &sessionLocks{cache: c}, nil
}

// mutexFor returns the mutex for sessionID, creating it on first use. The
// lookup-or-create sequence is itself guarded so two goroutines racing to
// acquire the same new session's lock are handed the same *sync.Mutex
// instead of two distinct ones, which would defeat per-session
// serialization. A session evicted from the LRU between calls simply gets
// a fresh mutex; eviction never happens mid-call since the caller holds
// its reference for the whole critical section.
func (s *sessionLocks) mutexFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.cache.Get(sessionID); ok {
		return m
	}
	m := &sync.Mutex{}
	s.cache.Add(sessionID, m)
	return m
}
