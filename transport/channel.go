// Package transport implements the TCP wire channel and the connection listener.
//
// A Channel owns exactly one connection. A single goroutine reads frames (reads must be
// sequential to keep frame boundaries) and raises events; writers share the connection
// through a write mutex so frames from concurrent senders never interleave.
//
//	Listener ──Accept──> Channel ──MessageReceived──> server dispatch
//	                        ^
//	caller ──Send(msg)──────┘ (write mutex)
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/protocol"
)

var (
	ErrNilMessage     = errors.New("message is nil")
	ErrNilProtocol    = errors.New("wire protocol is nil")
	ErrChannelStarted = errors.New("channel already started")
)

// State is the externally visible state of a channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Handler holds the channel event subscribers. Nil funcs are skipped. A panicking
// subscriber is logged and never takes the channel down.
type Handler struct {
	MessageReceived func(ch *Channel, msg message.Message)
	MessageSent     func(ch *Channel, msg message.Message)
	MessageError    func(ch *Channel, err error)
	Disconnected    func(ch *Channel)
}

// Option configures a Channel.
type Option func(*Channel)

// WithHandler sets the event subscribers.
func WithHandler(h Handler) Option {
	return func(c *Channel) { c.handler = h }
}

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.log = logging.OrNop(l).Named("channel") }
}

// WithHeartbeat makes the channel write a heartbeat frame every interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Channel) { c.heartbeat = interval }
}

// WithWriteTimeout bounds every write on the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) { c.writeTimeout = d }
}

// WithClock replaces the wall clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// Channel is a framed, event driven TCP connection.
type Channel struct {
	conn         net.Conn
	proto        protocol.WireProtocol
	handler      Handler
	log          *zap.Logger
	clock        clock.Clock
	heartbeat    time.Duration
	writeTimeout time.Duration

	state     atomic.Int32
	started   atomic.Bool
	lastRecv  atomic.Int64 // unix nanos
	lastSent  atomic.Int64 // unix nanos
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel wraps conn. The channel stays Disconnected until Start is called.
func NewChannel(conn net.Conn, proto protocol.WireProtocol, opts ...Option) *Channel {
	c := &Channel{
		conn:  conn,
		proto: proto,
		log:   zap.NewNop(),
		clock: clock.New(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.clock.Now().UnixNano()
	c.lastRecv.Store(now)
	c.lastSent.Store(now)
	return c
}

// Dial connects to address and returns a started channel.
func Dial(ctx context.Context, address string, proto protocol.WireProtocol, keepAlive time.Duration, opts ...Option) (*Channel, error) {
	dialer := net.Dialer{KeepAlive: keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	ch := NewChannel(conn, proto, opts...)
	if err := ch.Start(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

// SetWireProtocol swaps the protocol. It is only allowed before Start.
func (c *Channel) SetWireProtocol(p protocol.WireProtocol) error {
	if p == nil {
		return ErrNilProtocol
	}
	if c.started.Load() {
		return ErrChannelStarted
	}
	c.proto = p
	return nil
}

// SetHandler replaces the event subscribers. It is only allowed before Start.
func (c *Channel) SetHandler(h Handler) error {
	if c.started.Load() {
		return ErrChannelStarted
	}
	c.handler = h
	return nil
}

// Start marks the channel Connected and begins receiving.
func (c *Channel) Start() error {
	if c.proto == nil {
		return ErrNilProtocol
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrChannelStarted
	}
	c.state.Store(int32(StateConnected))
	go c.receiveLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop()
	}
	return nil
}

// Send writes msg as one frame. Sending on a channel whose connection was already
// closed is not an error: the message is dropped.
func (c *Channel) Send(msg message.Message) error {
	if isNilMessage(msg) {
		return ErrNilMessage
	}
	select {
	case <-c.done:
		return nil
	default:
	}

	c.writeMu.Lock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(c.clock.Now().Add(c.writeTimeout))
	}
	err := c.proto.WriteMessage(c.conn, msg)
	c.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		c.raiseError(err)
		_ = c.Disconnect()
		return errors.Wrap(err, "send message")
	}

	c.lastSent.Store(c.clock.Now().UnixNano())
	c.raiseSent(msg)
	return nil
}

// Disconnect closes the connection. It is idempotent; Disconnected fires once and only
// the first call reports the close error.
func (c *Channel) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		err = c.conn.Close()
		c.raiseDisconnected()
	})
	return err
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Done is closed once the channel is disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LastReceivedMessageTime returns the time the last frame (heartbeats included) arrived.
func (c *Channel) LastReceivedMessageTime() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

// LastSentMessageTime returns the time the last message was written.
func (c *Channel) LastSentMessageTime() time.Time {
	return time.Unix(0, c.lastSent.Load())
}

func (c *Channel) receiveLoop() {
	defer func() { _ = c.Disconnect() }()
	for {
		msg, err := c.proto.ReadMessage(c.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedBody) {
				c.raiseError(err)
				continue
			}
			if !c.closing() && !isClosedConn(err) {
				c.raiseError(err)
			}
			return
		}

		c.lastRecv.Store(c.clock.Now().UnixNano())
		if msg == nil {
			continue // heartbeat
		}
		c.raiseReceived(msg)
	}
}

func (c *Channel) heartbeatLoop() {
	ticker := c.clock.Ticker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.proto.WriteHeartbeat(c.conn)
			c.writeMu.Unlock()
			if err != nil {
				return // the receive loop notices the broken connection
			}
			c.lastSent.Store(c.clock.Now().UnixNano())
		}
	}
}

func (c *Channel) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) raiseReceived(msg message.Message) {
	if c.handler.MessageReceived != nil {
		c.dispatch("message_received", func() { c.handler.MessageReceived(c, msg) })
	}
}

func (c *Channel) raiseSent(msg message.Message) {
	if c.handler.MessageSent != nil {
		c.dispatch("message_sent", func() { c.handler.MessageSent(c, msg) })
	}
}

func (c *Channel) raiseError(err error) {
	c.log.Debug("channel error", zap.Stringer("remote", c.conn.RemoteAddr()), zap.Error(err))
	if c.handler.MessageError != nil {
		c.dispatch("message_error", func() { c.handler.MessageError(c, err) })
	}
}

func (c *Channel) raiseDisconnected() {
	if c.handler.Disconnected != nil {
		c.dispatch("disconnected", func() { c.handler.Disconnected(c) })
	}
}

// dispatch runs one subscriber and swallows its panic.
func (c *Channel) dispatch(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("channel event subscriber panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

func isNilMessage(msg message.Message) bool {
	switch m := msg.(type) {
	case nil:
		return true
	case *message.RequestMessage:
		return m == nil
	case *message.ResponseMessage:
		return m == nil
	}
	return false
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
