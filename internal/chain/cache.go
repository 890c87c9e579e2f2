package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds one shared upstream lookup.
const DefaultFetchTimeout = 10 * time.Second

type cachedBalance struct {
	value     *big.Int
	fetchedAt time.Time
}

// CachedOracle memoizes balances for a short TTL and collapses concurrent
// lookups of the same address into one upstream call. Errors are not cached.
//
// The shared call runs on a context detached from any one caller, so a
// caller that gives up does not fail the others waiting on it.
type CachedOracle struct {
	next         Oracle
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group

	mu          sync.Mutex
	entries     map[string]cachedBalance
	generations map[string]uint64 // bumped by Invalidate
}

// NewCachedOracle wraps next. A non-positive ttl disables caching but keeps
// request collapsing.
func NewCachedOracle(next Oracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		next:         next,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		entries:      make(map[string]cachedBalance),
		generations:  make(map[string]uint64),
	}
}

// BalanceOf implements Oracle.
func (c *CachedOracle) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	key := strings.ToLower(address)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if c.ttl > 0 && ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return new(big.Int).Set(entry.value), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		gen := c.generations[key]
		c.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		balance, err := c.next.BalanceOf(fetchCtx, address)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			c.mu.Lock()
			// a fetch that raced Invalidate may carry the stale balance
			if c.generations[key] == gen {
				c.entries[key] = cachedBalance{value: new(big.Int).Set(balance), fetchedAt: c.now()}
			}
			c.mu.Unlock()
		}
		return balance, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return new(big.Int).Set(res.Val.(*big.Int)), nil
	}
}

// Invalidate drops the cached balance for address, e.g. after a burn
// settles. Lookups already in flight are not cached and later callers start
// a fresh one.
func (c *CachedOracle) Invalidate(address string) {
	key := strings.ToLower(address)
	c.mu.Lock()
	delete(c.entries, key)
	c.generations[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}
