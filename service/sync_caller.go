package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ioc-rpc/cache"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

// Cache strategies, as reported to metrics.
const (
	StrategyRemote   = "remote"
	StrategyInternal = "internal"
	StrategyLocal    = "local"
)

var keyCleaner = strings.NewReplacer(" ", "", "\r", "", "\n", "", "\t", "")

// CacheKey builds the result cache key of a call to service made on behalf of caller.
func CacheKey(service string, caller message.AppCaller, invoke bool) string {
	kind := "Direct"
	if invoke {
		kind = "Invoke"
	}
	key := fmt.Sprintf("%s_Caller_%s_%s$%s$%s", kind, service, caller.ServiceName, caller.MethodName, caller.Parameters)
	return strings.ToLower(keyCleaner.Replace(key))
}

// SyncCaller caches results of calls that ask for it (CacheTime > 0).
//
// With an external cache every cacheable call reads and writes it. Otherwise dynamic
// invocations and status calls use the in-process cache directly, and typed calls
// collapse concurrent misses of the same key into one invocation.
// Only successful responses with at least one item are stored.
type SyncCaller struct {
	service  Service
	external cache.Cache[*message.ResponseMessage]
	internal *cache.MemoryCache[*message.ResponseMessage]
	group    singleflight.Group
	log      *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
}

// NewSyncCaller wraps svc.
func NewSyncCaller(svc Service, opts ...Option) (*SyncCaller, error) {
	o := newOptions(opts)
	internal, err := cache.NewMemoryCache[*message.ResponseMessage](o.cacheSize, o.clock)
	if err != nil {
		return nil, err
	}
	return &SyncCaller{
		service:  svc,
		external: o.external,
		internal: internal,
		log:      o.log.Named("cache"),
		metrics:  o.metrics,
		clock:    o.clock,
	}, nil
}

func (s *SyncCaller) ServiceName() string {
	return s.service.ServiceName()
}

// CallService runs req with the OperationContext carried by ctx.
func (s *SyncCaller) CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	opCtx, _ := message.FromContext(ctx)
	return s.Run(ctx, opCtx, req)
}

// Run answers req from the cache or the wrapped service. The result always carries the
// transaction id of req.
func (s *SyncCaller) Run(ctx context.Context, opCtx *message.OperationContext, req *message.RequestMessage) *message.ResponseMessage {
	if req.CacheTime <= 0 {
		return s.call(ctx, req)
	}
	if opCtx == nil {
		opCtx = message.NewOperationContext(req, "")
	}

	start := s.clock.Now()
	key := CacheKey(s.service.ServiceName(), opCtx.Caller, req.InvokeMethod)

	var resp *message.ResponseMessage
	switch {
	case s.external != nil:
		resp = s.remote(ctx, s.external, StrategyRemote, key, req)
	case req.InvokeMethod || req.ServiceName == message.StatusServiceName:
		resp = s.remote(ctx, s.internal, StrategyInternal, key, req)
	default:
		resp = s.local(ctx, key, req)
	}

	out := resp.Rewrap(req)
	out.ElapsedTime = min(out.ElapsedTime, s.clock.Since(start).Milliseconds())
	return out
}

func (s *SyncCaller) remote(ctx context.Context, c cache.Cache[*message.ResponseMessage], strategy, key string, req *message.RequestMessage) *message.ResponseMessage {
	cached, ok, err := c.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		s.metrics.CacheLookup(strategy, metrics.CacheHit)
		return cached
	}
	s.metrics.CacheLookup(strategy, metrics.CacheMiss)

	resp := s.call(ctx, req)
	s.store(ctx, c, key, req, resp)
	return resp
}

func (s *SyncCaller) local(ctx context.Context, key string, req *message.RequestMessage) *message.ResponseMessage {
	if cached, ok, _ := s.internal.Get(ctx, key); ok {
		s.metrics.CacheLookup(StrategyLocal, metrics.CacheHit)
		return cached
	}

	computed := false
	v, _, _ := s.group.Do(key, func() (any, error) {
		if cached, ok, _ := s.internal.Get(ctx, key); ok {
			s.metrics.CacheLookup(StrategyLocal, metrics.CacheHit)
			return cached, nil
		}
		s.metrics.CacheLookup(StrategyLocal, metrics.CacheMiss)
		computed = true
		resp := s.call(ctx, req)
		s.store(ctx, s.internal, key, req, resp)
		return resp, nil
	})

	resp := v.(*message.ResponseMessage)
	if !computed && !cacheable(resp) {
		// a failure of the call we waited on is not shared
		return s.call(ctx, req)
	}
	return resp
}

func (s *SyncCaller) store(ctx context.Context, c cache.Cache[*message.ResponseMessage], key string, req *message.RequestMessage, resp *message.ResponseMessage) {
	if !cacheable(resp) {
		return
	}
	if err := c.Insert(ctx, key, resp, time.Duration(req.CacheTime)*time.Second); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *SyncCaller) call(ctx context.Context, req *message.RequestMessage) (resp *message.ResponseMessage) {
	defer func() {
		if r := recover(); r != nil {
			resp = message.NewErrorResponse(req, errors.Errorf("call service (%s, %s) error: %v", req.ServiceName, req.MethodName, r))
		}
	}()
	if resp = s.service.CallService(ctx, req); resp == nil {
		resp = message.NewErrorResponse(req, errors.Errorf("call service (%s, %s) returned no response", req.ServiceName, req.MethodName))
	}
	return resp
}

func cacheable(resp *message.ResponseMessage) bool {
	return resp != nil && !resp.IsError() && resp.Count > 0
}
