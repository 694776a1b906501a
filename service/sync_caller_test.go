package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

// countingService answers every call with count items and records how often it ran.
type countingService struct {
	calls atomic.Int32
	count int
	err   error
	delay time.Duration
}

func (s *countingService) ServiceName() string { return "Container" }

func (s *countingService) CallService(_ context.Context, req *message.RequestMessage) *message.ResponseMessage {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return message.NewErrorResponse(req, s.err)
	}
	resp := message.NewResponse(req, message.Payload(`[1,2]`), s.count)
	resp.ElapsedTime = 5000
	return resp
}

func cachedRequest(seconds int) *message.RequestMessage {
	req := message.NewRequest("Arith", "List", message.Payload(`{"page": 1}`))
	req.CacheTime = seconds
	return req
}

// fakeCache is an external cache that can fail.
type fakeCache struct {
	mu       sync.Mutex
	items    map[string]*message.ResponseMessage
	ttls     map[string]time.Duration
	getErr   error
	writeErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string]*message.ResponseMessage{}, ttls: map[string]time.Duration{}}
}

func (c *fakeCache) Get(_ context.Context, key string) (*message.ResponseMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *fakeCache) Insert(_ context.Context, key string, value *message.ResponseMessage, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.items[key] = value
	c.ttls[key] = ttl
	return nil
}

func TestCacheKey(t *testing.T) {
	caller := message.AppCaller{ServiceName: "Arith", MethodName: "List", Parameters: "{\"page\": 1,\r\n\t\"Size\":2}"}
	assert.Equal(t, `direct_caller_container_arith$list${"page":1,"size":2}`, CacheKey("Container", caller, false))
	assert.Equal(t, `invoke_caller_container_arith$list${"page":1,"size":2}`, CacheKey("Container", caller, true))
}

func TestSyncCallerWithoutCacheTimeCallsThrough(t *testing.T) {
	svc := &countingService{count: 2}
	s, err := NewSyncCaller(svc)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Run(context.Background(), nil, cachedRequest(0))
	}
	assert.EqualValues(t, 3, svc.calls.Load())
}

func TestSyncCallerLocalCollapsesConcurrentMisses(t *testing.T) {
	svc := &countingService{count: 2, delay: 50 * time.Millisecond}
	m := metrics.New()
	s, err := NewSyncCaller(svc, WithMetrics(m))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := cachedRequest(60)
			resp := s.Run(context.Background(), nil, req)
			assert.False(t, resp.IsError())
			assert.Equal(t, req.TransactionID, resp.TransactionID)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, svc.calls.Load())
	assert.Equal(t, 1, s.internal.Len())
	series, err := testutil.GatherAndCount(m.Registry(), "iocrpc_cache_lookups_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, series, 1)
}

func TestSyncCallerHitCarriesCurrentTransaction(t *testing.T) {
	svc := &countingService{count: 2}
	s, err := NewSyncCaller(svc)
	require.NoError(t, err)

	first := s.Run(context.Background(), nil, cachedRequest(60))
	req := cachedRequest(60)
	second := s.Run(context.Background(), nil, req)

	assert.EqualValues(t, 1, svc.calls.Load())
	assert.Equal(t, req.TransactionID, second.TransactionID)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Value, second.Value)
	assert.Less(t, second.ElapsedTime, int64(5000), "elapsed time is bounded by the measured time")
}

func TestSyncCallerIneligibleResponsesAreNotCached(t *testing.T) {
	for name, svc := range map[string]*countingService{
		"empty": {count: 0},
		"error": {count: 2, err: errors.New("backend down")},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := NewSyncCaller(svc)
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				s.Run(context.Background(), nil, cachedRequest(60))
			}
			assert.EqualValues(t, 3, svc.calls.Load())
			assert.Zero(t, s.internal.Len())
		})
	}
}

func TestSyncCallerEntriesExpire(t *testing.T) {
	mock := clock.NewMock()
	svc := &countingService{count: 1}
	s, err := NewSyncCaller(svc, WithClock(mock))
	require.NoError(t, err)

	s.Run(context.Background(), nil, cachedRequest(10))
	mock.Add(9 * time.Second)
	s.Run(context.Background(), nil, cachedRequest(10))
	assert.EqualValues(t, 1, svc.calls.Load())

	mock.Add(2 * time.Second)
	s.Run(context.Background(), nil, cachedRequest(10))
	assert.EqualValues(t, 2, svc.calls.Load())
}

func TestSyncCallerExternalCache(t *testing.T) {
	ext := newFakeCache()
	svc := &countingService{count: 2}
	s, err := NewSyncCaller(svc, WithCache(ext), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	s.Run(context.Background(), nil, cachedRequest(30))
	s.Run(context.Background(), nil, cachedRequest(30))
	assert.EqualValues(t, 1, svc.calls.Load())
	require.Len(t, ext.items, 1)
	for _, ttl := range ext.ttls {
		assert.Equal(t, 30*time.Second, ttl)
	}
	assert.Zero(t, s.internal.Len(), "the in-process cache is bypassed")
}

func TestSyncCallerExternalCacheFailuresAreMisses(t *testing.T) {
	ext := newFakeCache()
	ext.getErr = errors.New("etcd unavailable")
	ext.writeErr = errors.New("etcd unavailable")
	svc := &countingService{count: 2}
	s, err := NewSyncCaller(svc, WithCache(ext))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp := s.Run(context.Background(), nil, cachedRequest(30))
		assert.False(t, resp.IsError())
	}
	assert.EqualValues(t, 2, svc.calls.Load())
}

func TestSyncCallerInvokeUsesInternalCache(t *testing.T) {
	svc := &countingService{count: 1}
	s, err := NewSyncCaller(svc)
	require.NoError(t, err)

	invoke := cachedRequest(30)
	invoke.InvokeMethod = true
	s.Run(context.Background(), nil, invoke)
	s.Run(context.Background(), nil, cachedRequest(30))
	assert.EqualValues(t, 2, svc.calls.Load(), "invoke and direct calls use different keys")
	assert.Equal(t, 2, s.internal.Len())

	again := cachedRequest(30)
	again.InvokeMethod = true
	s.Run(context.Background(), nil, again)
	assert.EqualValues(t, 2, svc.calls.Load())
}

func TestSyncCallerRecoversPanics(t *testing.T) {
	boom := Func{Name: "boom", Fn: func(context.Context, *message.RequestMessage) *message.ResponseMessage {
		panic("boom")
	}}
	s, err := NewSyncCaller(boom)
	require.NoError(t, err)

	resp := s.Run(context.Background(), nil, cachedRequest(30))
	require.True(t, resp.IsError())
	assert.Contains(t, resp.Error.Message, "call service (Arith, List) error: boom")

	resp = s.CallService(context.Background(), cachedRequest(0))
	assert.True(t, resp.IsError())
}

func TestSyncCallerUsesOperationContextCaller(t *testing.T) {
	svc := &countingService{count: 1}
	s, err := NewSyncCaller(svc)
	require.NoError(t, err)

	run := func(app string) {
		req := cachedRequest(30)
		opCtx := message.NewOperationContext(req, "")
		opCtx.Caller.Parameters = app
		s.CallService(message.NewContext(context.Background(), opCtx), req)
	}
	run("a")
	run("b")
	run("a")
	assert.EqualValues(t, 2, svc.calls.Load())
}
