package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ioc-rpc/config"
	"ioc-rpc/message"
	"ioc-rpc/protocol"
	"ioc-rpc/transport"
)

var errRequestClosed = errors.New("service request closed")

// requestOwner receives what a ServiceRequest observes on its channel.
type requestOwner interface {
	onResponse(resp *message.ResponseMessage)
	onError(req *message.RequestMessage, err error)
	onConnected(sr *ServiceRequest)
	onDisconnected(sr *ServiceRequest)
}

// ServiceRequest is one logical connection to a node. It dials on first use and
// redials after its channel was lost.
type ServiceRequest struct {
	node      config.Node
	owner     requestOwner
	proto     protocol.Factory
	chanOpts  []transport.Option
	keepAlive time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	channel  *transport.Channel
	closed   bool
	inflight atomic.Pointer[message.RequestMessage]
}

func newServiceRequest(node config.Node, owner requestOwner, proto protocol.Factory, log *zap.Logger, chanOpts []transport.Option) *ServiceRequest {
	return &ServiceRequest{
		node:      node,
		owner:     owner,
		proto:     proto,
		chanOpts:  chanOpts,
		keepAlive: 30 * time.Second,
		log:       log,
	}
}

// SendMessage writes req to the node. Connect and write failures match ErrTransport.
func (s *ServiceRequest) SendMessage(ctx context.Context, req *message.RequestMessage) error {
	ch, dialed, err := s.connect(ctx)
	if err != nil {
		return errors.Wrapf(message.ErrTransport, "[%s] connect: %v", s.node, err)
	}
	if dialed {
		s.owner.onConnected(s)
	}

	s.inflight.Store(req)
	if err := ch.Send(req); err != nil {
		s.inflight.CompareAndSwap(req, nil)
		return errors.Wrapf(message.ErrTransport, "[%s] send: %v", s.node, err)
	}
	// a channel lost before inflight was stored never reports this request
	if ch.State() == transport.StateDisconnected && s.inflight.CompareAndSwap(req, nil) {
		return errors.Wrapf(message.ErrTransport, "[%s] connection closed", s.node)
	}
	return nil
}

// Close disconnects the channel. The request cannot be used afterwards.
func (s *ServiceRequest) Close() error {
	s.mu.Lock()
	s.closed = true
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Disconnect()
}

// Connected reports whether the request currently holds a live channel.
func (s *ServiceRequest) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil && s.channel.State() == transport.StateConnected
}

func (s *ServiceRequest) connect(ctx context.Context) (*transport.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, errRequestClosed
	}
	if s.channel != nil && s.channel.State() == transport.StateConnected {
		return s.channel, false, nil
	}

	opts := append([]transport.Option{}, s.chanOpts...)
	opts = append(opts, transport.WithHandler(transport.Handler{
		MessageReceived: s.messageReceived,
		MessageError:    s.messageError,
		Disconnected:    s.disconnected,
	}))
	ch, err := transport.Dial(ctx, s.node.Address, s.proto(), s.keepAlive, opts...)
	if err != nil {
		return nil, false, err
	}
	s.channel = ch
	s.log.Debug("connected", zap.Stringer("node", s.node), zap.Stringer("remote", ch.RemoteAddr()))
	return ch, true, nil
}

func (s *ServiceRequest) messageReceived(_ *transport.Channel, msg message.Message) {
	resp, ok := msg.(*message.ResponseMessage)
	if !ok {
		s.log.Warn("unexpected message from node", zap.Stringer("node", s.node), zap.Stringer("tx", msg.ID()))
		return
	}
	if req := s.inflight.Load(); req != nil && req.TransactionID == resp.TransactionID {
		s.inflight.CompareAndSwap(req, nil)
	}
	s.owner.onResponse(resp)
}

func (s *ServiceRequest) messageError(_ *transport.Channel, err error) {
	if req := s.inflight.Swap(nil); req != nil {
		s.owner.onError(req, errors.Wrapf(message.ErrTransport, "[%s] %v", s.node, err))
	}
}

func (s *ServiceRequest) disconnected(ch *transport.Channel) {
	s.mu.Lock()
	if s.channel == ch {
		s.channel = nil
	}
	s.mu.Unlock()

	if req := s.inflight.Swap(nil); req != nil {
		s.owner.onError(req, errors.Wrapf(message.ErrTransport, "[%s] connection closed", s.node))
	}
	s.owner.onDisconnected(s)
}
