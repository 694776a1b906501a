package cache

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix namespaces every cache key in etcd.
const DefaultEtcdPrefix = "/ioc-rpc/cache/"

// EtcdClient is the part of *clientv3.Client the cache uses.
type EtcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
}

// EtcdCache stores JSON encoded values under a key prefix. Every entry is attached to
// its own lease so etcd expires it after the ttl.
//
//	Key:   {prefix}{key}
//	Value: JSON-encoded V
type EtcdCache[V any] struct {
	client  EtcdClient
	prefix  string
	timeout time.Duration
}

// NewEtcdCache creates a cache on client. timeout bounds every etcd round trip.
func NewEtcdCache[V any](client EtcdClient, prefix string, timeout time.Duration) *EtcdCache[V] {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &EtcdCache[V]{client: client, prefix: prefix, timeout: timeout}
}

// DialEtcd connects to the etcd cluster at endpoints.
func DialEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}
	return c, nil
}

func (c *EtcdCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var value V
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.Get(ctx, c.prefix+key)
	if err != nil {
		return value, false, errors.Wrapf(err, "etcd get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return value, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &value); err != nil {
		return value, false, errors.Wrapf(err, "decode cached %s", key)
	}
	return value, true, nil
}

// Insert stores value with a lease of ttl, rounded up to whole seconds.
func (c *EtcdCache[V]) Insert(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode cached %s", key)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	lease, err := c.client.Grant(ctx, int64(math.Ceil(ttl.Seconds())))
	if err != nil {
		return errors.Wrap(err, "etcd grant lease")
	}
	if _, err := c.client.Put(ctx, c.prefix+key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "etcd put %s", key)
	}
	return nil
}

func (c *EtcdCache[V]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
