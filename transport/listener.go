package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ioc-rpc/codec"
	"ioc-rpc/logging"
	"ioc-rpc/protocol"
)

// DefaultAcceptors is the number of concurrently outstanding accepts.
const DefaultAcceptors = 4

const maxAcceptBackoff = time.Second

// ConnectedFunc receives every accepted channel. The channel is not started yet: the
// subscriber attaches its handler and calls Start.
type ConnectedFunc func(ch *Channel)

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the listener logger.
func WithListenerLogger(l *zap.Logger) ListenerOption {
	return func(ln *Listener) { ln.log = logging.OrNop(l).Named("listener") }
}

// WithProtocolFactory sets how each accepted channel gets its wire protocol.
func WithProtocolFactory(f protocol.Factory) ListenerOption {
	return func(ln *Listener) { ln.protocol = f }
}

// WithChannelOptions are applied to every accepted channel.
func WithChannelOptions(opts ...Option) ListenerOption {
	return func(ln *Listener) { ln.channelOpts = append(ln.channelOpts, opts...) }
}

// WithKeepAlive sets the TCP keep-alive period of accepted connections.
func WithKeepAlive(d time.Duration) ListenerOption {
	return func(ln *Listener) { ln.keepAlive = d }
}

// Listener accepts TCP connections with several acceptor goroutines.
type Listener struct {
	endpoint    string
	acceptors   int
	onConnected ConnectedFunc
	protocol    protocol.Factory
	channelOpts []Option
	keepAlive   time.Duration
	log         *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	ln      net.Listener
	wg      sync.WaitGroup
}

// NewListener creates a listener for endpoint (host:port). acceptors <= 0 selects
// DefaultAcceptors.
func NewListener(endpoint string, acceptors int, onConnected ConnectedFunc, opts ...ListenerOption) *Listener {
	if acceptors <= 0 {
		acceptors = DefaultAcceptors
	}
	l := &Listener{
		endpoint:    endpoint,
		acceptors:   acceptors,
		onConnected: onConnected,
		keepAlive:   30 * time.Second,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.protocol == nil {
		l.protocol, _ = protocol.NewFactory(codec.CodecTypeJSON)
	}
	return l
}

// Start binds the endpoint and launches the acceptors.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return errors.New("listener already started")
	}
	ln, err := net.Listen("tcp", l.endpoint)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", l.endpoint)
	}
	l.ln = ln
	l.running.Store(true)

	for i := 0; i < l.acceptors; i++ {
		l.wg.Add(1)
		go l.acceptLoop(i)
	}
	l.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Int("acceptors", l.acceptors))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listening socket and waits for every acceptor to exit.
// Already published channels are not touched.
func (l *Listener) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	l.mu.Lock()
	err := l.ln.Close()
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(id int) {
	defer l.wg.Done()

	var backoff time.Duration
	for l.running.Load() {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			l.log.Warn("accept failed", zap.Int("acceptor", id), zap.Duration("retry_in", backoff), zap.Error(err))
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.publish(conn)
	}
}

func (l *Listener) publish(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			l.log.Error("connected subscriber panicked, connection closed",
				zap.Stringer("remote", conn.RemoteAddr()), zap.Any("panic", r))
		}
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		if l.keepAlive > 0 {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(l.keepAlive)
		}
	}

	ch := NewChannel(conn, l.protocol(), l.channelOpts...)
	l.log.Debug("connection accepted", zap.Stringer("remote", conn.RemoteAddr()))
	if l.onConnected == nil {
		_ = conn.Close()
		return
	}
	l.onConnected(ch)
}
