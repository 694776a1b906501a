// Package cache stores call results for a limited time. MemoryCache keeps them in
// process; EtcdCache shares them between servers through etcd leases.
package cache

import (
	"context"
	"time"
)

// Cache is a concurrent-safe TTL cache. A Get error means the backend could not be
// asked; callers treat it like a miss.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Insert(ctx context.Context, key string, value V, ttl time.Duration) error
}
