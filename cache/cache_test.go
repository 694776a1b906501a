package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type cachedValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryCacheExpiry(t *testing.T) {
	mock := clock.NewMock()
	c, err := NewMemoryCache[cachedValue](16, mock)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "k", cachedValue{Name: "a", Count: 1}, 10*time.Second))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v.Name)

	mock.Add(9 * time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.True(t, ok)

	mock.Add(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCacheSkipsNonPositiveTTL(t *testing.T) {
	c, err := NewMemoryCache[int](4, nil)
	require.NoError(t, err)

	require.NoError(t, c.Insert(context.Background(), "k", 1, 0))
	_, ok, _ := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewMemoryCache[int](2, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", 1, time.Minute))
	require.NoError(t, c.Insert(ctx, "b", 2, time.Minute))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Insert(ctx, "c", 3, time.Minute))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestMemoryCacheRejectsBadSize(t *testing.T) {
	_, err := NewMemoryCache[int](0, nil)
	assert.Error(t, err)
}

// fakeEtcd keeps puts in memory and records lease TTLs.
type fakeEtcd struct {
	mu     sync.Mutex
	kvs    map[string][]byte
	leases []int64
	getErr error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{kvs: make(map[string][]byte)}
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &clientv3.GetResponse{}
	if v, ok := f.kvs[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: v}}
	}
	return resp, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kvs[key] = []byte(val)
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = append(f.leases, ttl)
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(len(f.leases)), TTL: ttl}, nil
}

func TestEtcdCacheRoundTrip(t *testing.T) {
	etcd := newFakeEtcd()
	c := NewEtcdCache[cachedValue](etcd, "", time.Second)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Insert(ctx, "k", cachedValue{Name: "a", Count: 3}, 1500*time.Millisecond))
	assert.Equal(t, []int64{2}, etcd.leases, "ttl is rounded up to whole seconds")
	assert.Contains(t, etcd.kvs, DefaultEtcdPrefix+"k")

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cachedValue{Name: "a", Count: 3}, v)
}

func TestEtcdCacheErrors(t *testing.T) {
	etcd := newFakeEtcd()
	etcd.kvs["/p/bad"] = []byte("not json")
	c := NewEtcdCache[cachedValue](etcd, "/p/", 0)

	_, ok, err := c.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, ok)

	etcd.getErr = errors.New("etcdserver: request timed out")
	_, _, err = c.Get(context.Background(), "k")
	assert.Error(t, err)

	require.NoError(t, c.Insert(context.Background(), "k", cachedValue{}, 0))
	assert.Empty(t, etcd.leases)
}
