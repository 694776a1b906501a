// Package server hosts services behind a transport.Listener.
//
// Request processing pipeline:
//
//	Accept conn → Channel (one reader goroutine per connection)
//	  → for each request: go handleRequest (parallel processing)
//	    → middleware chain → SyncCaller → AsyncService → Container (reflect.Call) → Channel.Send
//
// Responses go back over the channel the request arrived on.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ioc-rpc/cache"
	"ioc-rpc/codec"
	"ioc-rpc/config"
	"ioc-rpc/counter"
	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
	"ioc-rpc/middleware"
	"ioc-rpc/protocol"
	"ioc-rpc/service"
	"ioc-rpc/transport"
)

// containerName prefixes cache keys; servers sharing a cache must agree on it.
const containerName = "ioc"

var errShuttingDown = errors.Wrap(message.ErrTransport, "server is shutting down")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l).Named("server") }
}

// WithErrorLog replaces the sink for rate warnings and background failures.
func WithErrorLog(l logging.ErrorLog) Option {
	return func(s *Server) { s.errLog = l }
}

// WithMetrics records calls, timeouts, cache lookups and connections into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock replaces the wall clock (dispatch timeouts, cache expiry, counter window).
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithCache shares cached results through c instead of keeping them in process.
func WithCache(c cache.Cache[*message.ResponseMessage]) Option {
	return func(s *Server) { s.cache = c }
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	conf    config.ServerConfig
	log     *zap.Logger
	errLog  logging.ErrorLog
	metrics *metrics.Metrics
	clock   clock.Clock
	cache   cache.Cache[*message.ResponseMessage]

	container   *service.Container
	counters    *counter.Collection
	middlewares []middleware.Middleware // applied in order, after the built-in ones
	handler     middleware.HandlerFunc  // middleware(...(SyncCaller(AsyncService(Container))))

	listener *transport.Listener
	channels *xsync.MapOf[*transport.Channel, struct{}]
	started  time.Time

	mu       sync.RWMutex   // orders request admission against Shutdown
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a server for conf with the status service registered.
func NewServer(conf config.ServerConfig, opts ...Option) *Server {
	withDefaults(&conf)
	s := &Server{
		conf:      conf,
		log:       zap.NewNop(),
		clock:     clock.New(),
		container: service.NewContainer(containerName),
		channels:  xsync.NewMapOf[*transport.Channel, struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.errLog == nil {
		s.errLog = logging.NewErrorLog(s.log)
	}
	s.counters = counter.NewCollection(s.errLog, conf.MaxCallsPerWindow, counter.WithWarningHook(func(ev *counter.CallEvent) {
		s.metrics.RateWarning(ev.Caller.ServiceName, ev.Caller.MethodName)
	}))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.container.RegisterName(message.StatusServiceName, &StatusService{server: s}); err != nil {
		panic(err)
	}
	return s
}

func withDefaults(conf *config.ServerConfig) {
	if conf.CallTimeout <= 0 {
		conf.CallTimeout = config.DefaultServerTimeout
	}
	if conf.CounterWindow <= 0 {
		conf.CounterWindow = config.DefaultCounterWindow
	}
	if conf.MaxCallsPerWindow <= 0 {
		conf.MaxCallsPerWindow = config.DefaultMaxCallsPerWindow
	}
	if conf.CacheSize <= 0 {
		conf.CacheSize = config.DefaultCacheSize
	}
	if conf.RateLimit > 0 && conf.RateBurst <= 0 {
		conf.RateBurst = max(1, int(conf.RateLimit))
	}
}

// Register registers a service receiver (e.g., &Arith{}) under its type name.
func (s *Server) Register(rcvr any) error {
	return s.container.Register(rcvr)
}

// RegisterName registers rcvr under name.
func (s *Server) RegisterName(name string, rcvr any) error {
	return s.container.RegisterName(name, rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Counters exposes the call-rate counters.
func (s *Server) Counters() *counter.Collection {
	return s.counters
}

// Start builds the dispatch chain, binds the endpoint and starts accepting. It does not
// block.
func (s *Server) Start() error {
	codecType, err := codec.ParseCodecType(s.conf.Codec)
	if err != nil {
		return err
	}
	proto, err := protocol.NewFactory(codecType)
	if err != nil {
		return err
	}

	svcOpts := []service.Option{
		service.WithLogger(s.log),
		service.WithMetrics(s.metrics),
		service.WithClock(s.clock),
		service.WithCacheSize(s.conf.CacheSize),
	}
	if s.cache != nil {
		svcOpts = append(svcOpts, service.WithCache(s.cache))
	}
	async := service.NewAsyncService(s.container, s.conf.CallTimeout, s.errLog, svcOpts...)
	caller, err := service.NewSyncCaller(async, svcOpts...)
	if err != nil {
		return err
	}

	// Build the middleware chain once at startup (not per-request)
	chain := []middleware.Middleware{
		middleware.Recovery(s.errLog),
		middleware.Logging(s.log),
		middleware.Metrics(s.metrics, "server"),
	}
	if s.conf.RateLimit > 0 {
		chain = append(chain, middleware.RateLimit(s.conf.RateLimit, s.conf.RateBurst))
	}
	chain = append(chain, middleware.CallCounter(s.counters))
	chain = append(chain, s.middlewares...)
	s.handler = middleware.Chain(chain...)(caller.CallService)

	s.listener = transport.NewListener(s.conf.Endpoint, s.conf.Acceptors, s.onConnected,
		transport.WithListenerLogger(s.log),
		transport.WithProtocolFactory(proto),
		transport.WithChannelOptions(transport.WithLogger(s.log)),
	)
	if err := s.listener.Start(); err != nil {
		return err
	}

	s.started = s.clock.Now()
	go counter.NewWindow(s.counters, s.conf.CounterWindow, s.clock).Run(s.ctx)

	s.log.Info("server started", zap.Stringer("addr", s.listener.Addr()),
		zap.Int("acceptors", s.conf.Acceptors), zap.Duration("call_timeout", s.conf.CallTimeout))
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil || s.listener.Addr() == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Connections returns the number of open channels.
func (s *Server) Connections() int {
	return s.channels.Size()
}

func (s *Server) onConnected(ch *transport.Channel) {
	if err := ch.SetHandler(transport.Handler{
		MessageReceived: s.handleMessage,
		MessageError: func(ch *transport.Channel, err error) {
			s.log.Debug("channel error", zap.Stringer("remote", ch.RemoteAddr()), zap.Error(err))
		},
		Disconnected: func(ch *transport.Channel) {
			s.channels.Delete(ch)
			s.metrics.ConnectionClosed()
		},
	}); err != nil {
		panic(err)
	}

	s.channels.Store(ch, struct{}{})
	s.metrics.ConnectionOpened()
	if err := ch.Start(); err != nil {
		panic(err)
	}
}

func (s *Server) handleMessage(ch *transport.Channel, msg message.Message) {
	req, ok := msg.(*message.RequestMessage)
	if !ok {
		s.log.Warn("unexpected message from client", zap.Stringer("remote", ch.RemoteAddr()), zap.Stringer("tx", msg.ID()))
		return
	}

	s.mu.RLock()
	if s.shutdown.Load() {
		s.mu.RUnlock()
		s.reply(ch, message.NewErrorResponse(req, errShuttingDown))
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	// without `go`, a slow handler would block all subsequent requests on the same connection
	go s.handleRequest(ch, req)
}

func (s *Server) handleRequest(ch *transport.Channel, req *message.RequestMessage) {
	defer s.wg.Done()

	opCtx := message.NewOperationContext(req, ch.RemoteAddr().String())
	resp := s.handler(message.NewContext(s.ctx, opCtx), req)
	s.reply(ch, resp)
}

func (s *Server) reply(ch *transport.Channel, resp *message.ResponseMessage) {
	if err := ch.Send(resp); err != nil {
		s.log.Warn("failed to send response", zap.Stringer("remote", ch.RemoteAddr()),
			zap.String("service", resp.ServiceName), zap.String("method", resp.MethodName), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Stop admitting requests and close the listener
//  2. Wait for in-flight requests to finish (with timeout)
//  3. Disconnect every channel and stop the counter window
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	already := s.shutdown.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	var errs error
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Stop())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := s.clock.Timer(timeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		errs = multierr.Append(errs, errors.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.cancel()
	s.channels.Range(func(ch *transport.Channel, _ struct{}) bool {
		errs = multierr.Append(errs, ch.Disconnect())
		return true
	})

	s.log.Info("server stopped", zap.Error(errs))
	return errs
}
