package service

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"ioc-rpc/cache"
	"ioc-rpc/config"
	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

type options struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	external  cache.Cache[*message.ResponseMessage]
	cacheSize int
}

// Option configures the decorators of this package.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records timeouts and cache lookups into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithCache makes SyncCaller store every cacheable result in c instead of in process.
func WithCache(c cache.Cache[*message.ResponseMessage]) Option {
	return func(o *options) { o.external = c }
}

// WithCacheSize bounds the in-process result cache.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

func newOptions(opts []Option) *options {
	o := &options{cacheSize: config.DefaultCacheSize}
	for _, opt := range opts {
		opt(o)
	}
	o.log = logging.OrNop(o.log)
	if o.clock == nil {
		o.clock = clock.New()
	}
	return o
}
