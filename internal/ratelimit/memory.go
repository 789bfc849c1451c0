package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// MemoryStore is an in-process counter table sharded across independently
// locked maps, so concurrent requests for different keys rarely contend and
// increments for the same key are linearized by the shard mutex.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*counter
}

type counter struct {
	windowStart time.Time
	window      time.Duration
	count       int64
}

// NewMemoryStore creates an empty counter table.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*counter)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.entries[key]
	if !ok || now.Sub(c.windowStart) >= c.window {
		c = &counter{windowStart: now, window: window}
		sh.entries[key] = c
	}
	c.count++

	return c.count, c.window - now.Sub(c.windowStart), nil
}

// Len returns the number of live counters, for tests and introspection.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// sweep drops counters idle for at least three windows.
func (s *MemoryStore) sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.entries {
			if now.Sub(c.windowStart) >= 3*c.window {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

// StartSweeper evicts stale counters on the given interval until ctx is
// cancelled. Eviction bounds memory; it is housekeeping, not part of the
// request-serving contract.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}
