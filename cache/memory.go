package cache

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// MemoryCache is a size bounded LRU with a TTL per entry. Expired entries are dropped
// when they are read.
type MemoryCache[V any] struct {
	items *lru.Cache[string, entry[V]]
	clock clock.Clock
}

// NewMemoryCache creates a cache holding at most size entries. A nil clock uses the
// wall clock.
func NewMemoryCache[V any](size int, clk clock.Clock) (*MemoryCache[V], error) {
	items, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, errors.Wrapf(err, "create memory cache of size %d", size)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache[V]{items: items, clock: clk}, nil
}

func (c *MemoryCache[V]) Get(_ context.Context, key string) (V, bool, error) {
	e, ok := c.items.Get(key)
	if !ok {
		var zero V
		return zero, false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		c.items.Remove(key)
		var zero V
		return zero, false, nil
	}
	return e.value, true, nil
}

// Insert stores value for ttl. A non-positive ttl stores nothing.
func (c *MemoryCache[V]) Insert(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.items.Add(key, entry[V]{value: value, expires: c.clock.Now().Add(ttl)})
	return nil
}

// Len returns the number of entries, expired ones included until they are read.
func (c *MemoryCache[V]) Len() int {
	return c.items.Len()
}
