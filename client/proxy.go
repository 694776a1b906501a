// Package client implements the calling side: a RemoteProxy per node multiplexes calls
// over a pool of exclusively used connections and correlates responses by transaction id.
//
//	CallService(req) ──register pending[tx]──> pop requester ──SendMessage──> node
//	                                                                  │
//	wait(pending[tx], timeout) <──onResponse(resp) by tx──────────────┘
//
// A call never blocks on pool capacity: once MaxPool requesters exist and all are busy,
// the call fails with a PoolExhaustedError response.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ioc-rpc/codec"
	"ioc-rpc/config"
	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
	"ioc-rpc/protocol"
	"ioc-rpc/transport"
)

// growBatch is how many requesters are created at once when the pool runs dry.
const growBatch = 10

var errProxyClosed = errors.Wrap(message.ErrTransport, "remote proxy closed")

// ConnectEvent describes a connectivity change of one requester.
type ConnectEvent struct {
	Node      config.Node
	Connected bool
}

// Stats is a snapshot of the proxy resources.
type Stats struct {
	Node    string `json:"node"`
	Size    int    `json:"size"`
	Idle    int    `json:"idle"`
	Pending int    `json:"pending"`
}

// waitResult is the one-shot future of a pending call. The first response wins.
type waitResult struct {
	ch   chan *message.ResponseMessage
	once sync.Once
}

func newWaitResult() *waitResult {
	return &waitResult{ch: make(chan *message.ResponseMessage, 1)}
}

func (w *waitResult) set(resp *message.ResponseMessage) bool {
	set := false
	w.once.Do(func() {
		w.ch <- resp
		set = true
	})
	return set
}

// ProxyOption configures a RemoteProxy.
type ProxyOption func(*RemoteProxy)

// WithLogger sets the proxy logger.
func WithLogger(l *zap.Logger) ProxyOption {
	return func(p *RemoteProxy) { p.log = logging.OrNop(l).Named("client") }
}

// WithMetrics mirrors pool state and timeouts into m.
func WithMetrics(m *metrics.Metrics) ProxyOption {
	return func(p *RemoteProxy) { p.metrics = m }
}

// WithClock replaces the wall clock used for call timeouts.
func WithClock(clk clock.Clock) ProxyOption {
	return func(p *RemoteProxy) { p.clock = clk }
}

// WithProtocol sets the wire protocol of new connections.
func WithProtocol(f protocol.Factory) ProxyOption {
	return func(p *RemoteProxy) { p.proto = f }
}

// WithChannelOptions are applied to every dialed channel.
func WithChannelOptions(opts ...transport.Option) ProxyOption {
	return func(p *RemoteProxy) { p.chanOpts = append(p.chanOpts, opts...) }
}

func withRequesterFactory(f func() Requester) ProxyOption {
	return func(p *RemoteProxy) { p.factory = f }
}

// RemoteProxy calls services on one node.
type RemoteProxy struct {
	node     config.Node
	log      *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	proto    protocol.Factory
	chanOpts []transport.Option
	factory  func() Requester

	pool    *ServiceRequestPool
	growMu  sync.Mutex
	size    atomic.Int32 // requesters created; only grows under growMu
	pending *xsync.MapOf[uuid.UUID, *waitResult]
	closed  atomic.Bool

	subMu          sync.RWMutex
	connSubs    []func(ConnectEvent)
	disconnSubs []func(ConnectEvent)
}

// NewRemoteProxy creates a proxy for node and fills the pool with MinPool requesters.
// Requesters dial lazily, so construction does not touch the network.
func NewRemoteProxy(node config.Node, opts ...ProxyOption) (*RemoteProxy, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}

	p := &RemoteProxy{
		node:    node,
		log:     zap.NewNop(),
		clock:   clock.New(),
		pending: xsync.NewMapOf[uuid.UUID, *waitResult](),
		pool:    NewServiceRequestPool(node.MaxPool),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.proto == nil {
		codecType, err := codec.ParseCodecType(node.Codec)
		if err != nil {
			return nil, err
		}
		if p.proto, err = protocol.NewFactory(codecType); err != nil {
			return nil, err
		}
	}
	if node.Heartbeat > 0 {
		p.chanOpts = append(p.chanOpts, transport.WithHeartbeat(node.Heartbeat))
	}
	p.chanOpts = append(p.chanOpts, transport.WithLogger(p.log))
	if p.factory == nil {
		p.factory = func() Requester {
			return newServiceRequest(p.node, p, p.proto, p.log, p.chanOpts)
		}
	}

	p.growMu.Lock()
	for i := 0; i < node.MinPool; i++ {
		p.pool.Push(p.factory())
		p.size.Add(1)
	}
	p.growMu.Unlock()

	p.reportPool()
	return p, nil
}

// ServiceName returns the node name, so a proxy can stand in for a local service.
func (p *RemoteProxy) ServiceName() string {
	return p.node.Name
}

// Node returns the node this proxy calls.
func (p *RemoteProxy) Node() config.Node {
	return p.node
}

// CallService sends req and waits for its response, at most node.Timeout or until ctx
// is done. Every failure comes back as an error response.
func (p *RemoteProxy) CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	if p.closed.Load() {
		return message.NewErrorResponse(req, errProxyClosed)
	}
	wait := p.node.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}

	wr := newWaitResult()
	p.pending.Store(req.TransactionID, wr)
	defer p.pending.Delete(req.TransactionID)
	if p.closed.Load() {
		// Close may have failed the pending calls before this one was stored
		return message.NewErrorResponse(req, errProxyClosed)
	}

	r, err := p.acquire()
	if err != nil {
		p.metrics.PoolRejected(p.node.Name)
		p.log.Warn("call rejected", zap.String("service", req.ServiceName), zap.String("method", req.MethodName), zap.Error(err))
		return message.NewErrorResponse(req, err)
	}
	defer p.release(r)
	p.reportPool()

	if err := r.SendMessage(ctx, req); err != nil {
		return message.NewErrorResponse(req, err)
	}

	timer := p.clock.Timer(p.node.Timeout)
	defer timer.Stop()

	select {
	case resp := <-wr.ch:
		return resp
	case <-timer.C:
		wait = p.node.Timeout
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return message.NewErrorResponse(req, errors.Wrapf(ctx.Err(), "call %s", req.ServiceMethod()))
		}
	}

	p.metrics.Timeout("remote", req.ServiceName)
	return message.NewErrorResponse(req, &message.TimeoutError{
		Remote:      true,
		Node:        p.node.String(),
		ServiceName: req.ServiceName,
		MethodName:  req.MethodName,
		Timeout:     wait,
		Parameters:  req.Parameters.String(),
	})
}

// acquire pops an idle requester, growing the pool by up to growBatch when it is empty.
func (p *RemoteProxy) acquire() (Requester, error) {
	if r := p.pool.Pop(); r != nil {
		return r, nil
	}

	p.growMu.Lock()
	defer p.growMu.Unlock()

	if p.closed.Load() {
		return nil, errProxyClosed
	}
	for i := 0; i < growBatch && int(p.size.Load()) < p.node.MaxPool; i++ {
		p.pool.Push(p.factory())
		p.size.Add(1)
	}
	if r := p.pool.Pop(); r != nil {
		return r, nil
	}
	return nil, &message.PoolExhaustedError{Node: p.node.String(), Limit: p.node.MaxPool}
}

func (p *RemoteProxy) release(r Requester) {
	if p.closed.Load() {
		if err := r.Close(); err != nil {
			p.log.Warn("close service request", zap.Error(err))
		}
		return
	}
	p.pool.Push(r)
	p.reportPool()
}

func (p *RemoteProxy) reportPool() {
	s := p.Stats()
	p.metrics.Pool(s.Node, s.Size, s.Idle, s.Pending)
}

// OnConnected subscribes fn to connection events of any requester.
func (p *RemoteProxy) OnConnected(fn func(ConnectEvent)) {
	p.subMu.Lock()
	p.connSubs = append(p.connSubs, fn)
	p.subMu.Unlock()
}

// OnDisconnected subscribes fn to disconnection events of any requester.
func (p *RemoteProxy) OnDisconnected(fn func(ConnectEvent)) {
	p.subMu.Lock()
	p.disconnSubs = append(p.disconnSubs, fn)
	p.subMu.Unlock()
}

// Stats reports pool size, idle requesters and pending calls.
func (p *RemoteProxy) Stats() Stats {
	return Stats{
		Node:    p.node.Name,
		Size:    int(p.size.Load()),
		Idle:    p.pool.Count(),
		Pending: p.pending.Size(),
	}
}

// Close closes every idle requester, failing pending calls. Requesters still in use are
// closed when their call returns. Individual close errors are logged and combined.
func (p *RemoteProxy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	for r := p.pool.Pop(); r != nil; r = p.pool.Pop() {
		if err := r.Close(); err != nil {
			p.log.Warn("close service request", zap.Stringer("node", p.node), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	p.pending.Range(func(tx uuid.UUID, wr *waitResult) bool {
		wr.set(&message.ResponseMessage{TransactionID: tx, Error: message.FromError(errProxyClosed)})
		return true
	})
	p.pending.Clear()
	p.reportPool()
	return errs
}

func (p *RemoteProxy) onResponse(resp *message.ResponseMessage) {
	wr, ok := p.pending.Load(resp.TransactionID)
	if !ok {
		p.log.Debug("late response dropped", zap.Stringer("tx", resp.TransactionID),
			zap.String("service", resp.ServiceName), zap.String("method", resp.MethodName))
		return
	}
	wr.set(resp)
}

func (p *RemoteProxy) onError(req *message.RequestMessage, err error) {
	if wr, ok := p.pending.Load(req.TransactionID); ok {
		wr.set(message.NewErrorResponse(req, err))
	}
}

func (p *RemoteProxy) onConnected(*ServiceRequest) {
	p.raise(true)
}

func (p *RemoteProxy) onDisconnected(*ServiceRequest) {
	p.raise(false)
}

func (p *RemoteProxy) raise(connected bool) {
	p.subMu.RLock()
	subs := p.disconnSubs
	if connected {
		subs = p.connSubs
	}
	p.subMu.RUnlock()

	ev := ConnectEvent{Node: p.node, Connected: connected}
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Warn("connection subscriber panicked", zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}
