package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(max, window, WithClock(clock.Now))
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestLimiter_AllowsExactlyMax(t *testing.T) {
	l, clock := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res := l.Check(ctx, "0xabc")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 5-i, res.Remaining)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
	}

	res := l.Check(ctx, "0xabc")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// still denied later in the same window
	clock.Advance(59 * time.Second)
	assert.False(t, l.Check(ctx, "0xabc").Allowed)
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	var last Result
	for i := 0; i < 4; i++ {
		last = l.Check(ctx, "ip-1")
	}
	require.False(t, last.Allowed)

	// the reset instant itself is still inside the window
	clock.Advance(time.Minute)
	assert.False(t, l.Check(ctx, "ip-1").Allowed)

	clock.Advance(time.Millisecond)
	res := l.Check(ctx, "ip-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "a").Allowed)
	assert.False(t, l.Check(ctx, "a").Allowed)
	assert.True(t, l.Check(ctx, "b").Allowed)
}

func TestLimiter_CheckLimitPerIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t, 100, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, l.CheckLimit(ctx, "basic", 2).Allowed)
	}
	res := l.CheckLimit(ctx, "basic", 2)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)

	res = l.CheckLimit(ctx, "premium", 10)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)

	assert.False(t, l.CheckLimit(ctx, "none", 0).Allowed)
}

func TestLimiter_ConcurrentChecksNeverExceedMax(t *testing.T) {
	l, _ := newTestLimiter(t, 10, time.Minute)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "shared").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestMemoryBackend_SweepRemovesStaleEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := NewMemoryBackend(0, clock.Now)
	defer b.Close()
	ctx := context.Background()

	_, _, _ = b.Hit(ctx, "old", 5, time.Second, clock.Now())
	clock.Advance(2 * time.Second)
	_, _, _ = b.Hit(ctx, "fresh", 5, time.Second, clock.Now())

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 1, b.Sweep(clock.Now()))
	assert.Equal(t, 1, b.Len())
}

func TestMemoryBackend_CountStopsAfterOverflow(t *testing.T) {
	b := NewMemoryBackend(0, nil)
	defer b.Close()
	now := time.Now()

	var count int
	for i := 0; i < 50; i++ {
		count, _, _ = b.Hit(context.Background(), "k", 2, time.Minute, now)
	}
	assert.Equal(t, 3, count)
}

func TestMemoryBackend_CloseStopsSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewMemoryBackend(10*time.Millisecond, nil)
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

type failingBackend struct{}

func (failingBackend) Hit(context.Context, string, int, time.Duration, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func (failingBackend) Close() error { return nil }

func TestLimiter_BackendFailureDenies(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(5, time.Minute, WithBackend(failingBackend{}), WithClock(func() time.Time { return now }))

	res := l.Check(context.Background(), "x")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt)
}

// TestRedisBackend_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisBackend_Integration(t *testing.T) {
	backend, err := NewRedisBackend("redis://localhost:6379/0")
	require.NoError(t, err)
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := backend.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	l := New(2, 500*time.Millisecond, WithBackend(backend), WithPrefix("test:"+time.Now().Format("150405.000000")+":"))
	assert.True(t, l.Check(ctx, "actor").Allowed)
	assert.True(t, l.Check(ctx, "actor").Allowed)
	assert.False(t, l.Check(ctx, "actor").Allowed)

	time.Sleep(600 * time.Millisecond)
	res := l.Check(context.Background(), "actor")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}
