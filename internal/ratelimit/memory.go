package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// entry is one identifier's window.
type entry struct {
	count   int
	resetAt time.Time
}

// shard guards a slice of the keyspace.
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryBackend keeps windows in a sharded map. The sweep walks one shard at a
// time, so a concurrent Hit only ever waits on its own shard.
type MemoryBackend struct {
	shards [shardCount]*shard
	now    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMemoryBackend starts a backend whose sweep runs every interval.
// A non-positive interval disables the sweep.
func NewMemoryBackend(interval time.Duration, now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	m := &MemoryBackend{now: now, stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}

	if interval > 0 {
		m.wg.Add(1)
		go m.sweepLoop(interval)
	}
	return m
}

func (m *MemoryBackend) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Hit implements Backend.
func (m *MemoryBackend) Hit(_ context.Context, key string, max int, window time.Duration, now time.Time) (int, time.Time, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		s.entries[key] = e
		return e.count, e.resetAt, nil
	}
	if e.count <= max {
		e.count++
	}
	return e.count, e.resetAt, nil
}

// Len returns the number of tracked identifiers.
func (m *MemoryBackend) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every entry whose window elapsed before now.
func (m *MemoryBackend) Sweep(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.After(e.resetAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *MemoryBackend) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Close stops the sweep and waits for it to exit.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}
