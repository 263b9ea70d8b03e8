package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

type shard struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// MemoryBackend keeps buckets in process. Keys are spread over shards so
// unrelated scopes do not contend on one lock.
type MemoryBackend struct {
	shards        [memoryShards]*shard
	sweepInterval time.Duration
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{sweepInterval: time.Minute}
	for i := range m.shards {
		m.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return m
}

func (m *MemoryBackend) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

// Take implements Backend.
func (m *MemoryBackend) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= m.sweepInterval {
		s.sweep(now)
	}

	b := s.buckets[key]
	if b == nil || !now.Before(b.windowStart.Add(b.window)) {
		b = &bucket{windowStart: now, window: window}
		s.buckets[key] = b
	}
	reset := b.windowStart.Add(b.window)

	if b.count >= limit {
		return Decision{Limit: limit, Remaining: 0, Reset: reset, RetryAfter: reset.Sub(now)}, nil
	}
	b.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - b.count, Reset: reset}, nil
}

// Len returns the number of live buckets.
func (m *MemoryBackend) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (s *shard) sweep(now time.Time) {
	for k, b := range s.buckets {
		if !now.Before(b.windowStart.Add(b.window)) {
			delete(s.buckets, k)
		}
	}
	s.lastSweep = now
}
