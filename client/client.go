package client

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ioc-rpc/config"
	"ioc-rpc/message"
	"ioc-rpc/middleware"
)

// Client is the typed facade over a RemoteProxy.
type Client struct {
	proxy   *RemoteProxy
	handler   middleware.HandlerFunc
	caller    message.AppCaller
	cacheTime int
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	middlewares []middleware.Middleware
	appName     string
	cacheTime   int
}

// WithMiddleware adds client side middleware, outermost first.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *clientOptions) { o.middlewares = append(o.middlewares, mw...) }
}

// WithAppName sets the application name sent with every call.
func WithAppName(name string) Option {
	return func(o *clientOptions) { o.appName = name }
}

// WithDefaultCacheTime sets the CacheTime of every call that does not override it.
func WithDefaultCacheTime(seconds int) Option {
	return func(o *clientOptions) { o.cacheTime = seconds }
}

// NewClient wraps proxy.
func NewClient(proxy *RemoteProxy, opts ...Option) *Client {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	host, _ := os.Hostname()
	return &Client{
		proxy:     proxy,
		handler:   middleware.Chain(o.middlewares...)(proxy.CallService),
		caller:    message.AppCaller{AppName: o.appName, HostName: host},
		cacheTime: o.cacheTime,
	}
}

// Dial builds a proxy from conf and wraps it in a client. conf.MaxWait installs an
// outer timeout and conf.Retries > 0 a retry middleware inside it.
func Dial(conf *config.ClientConfig, proxyOpts []ProxyOption, opts ...Option) (*Client, error) {
	proxy, err := NewRemoteProxy(conf.Node, proxyOpts...)
	if err != nil {
		return nil, err
	}
	base := []Option{WithDefaultCacheTime(conf.CacheTime)}
	if conf.AppName != "" {
		base = append(base, WithAppName(conf.AppName))
	}
	if conf.MaxWait > 0 {
		base = append(base, WithMiddleware(middleware.Timeout(conf.MaxWait)))
	}
	if conf.Retries > 0 {
		base = append(base, WithMiddleware(middleware.Retry(conf.Retries, 50*time.Millisecond, proxy.log)))
	}
	return NewClient(proxy, append(base, opts...)...), nil
}

// Proxy returns the underlying proxy.
func (c *Client) Proxy() *RemoteProxy {
	return c.proxy
}

// CallOption adjusts a single request.
type CallOption func(*message.RequestMessage)

// WithCacheTime asks the server to cache the result for seconds.
func WithCacheTime(seconds int) CallOption {
	return func(r *message.RequestMessage) { r.CacheTime = seconds }
}

// WithCaller overrides the service and method the call is attributed to.
func WithCaller(service, method string) CallOption {
	return func(r *message.RequestMessage) {
		r.Caller.ServiceName = service
		r.Caller.MethodName = method
	}
}

// Call invokes "Service.Method" with args and decodes the result into reply.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any, opts ...CallOption) error {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return errors.Errorf("invalid serviceMethod format: %q", serviceMethod)
	}

	params, err := message.NewPayload(args)
	if err != nil {
		return errors.Wrap(err, "encode arguments")
	}

	resp := c.do(ctx, c.newRequest(split[0], split[1], params, opts))
	if resp.IsError() {
		return resp.Err()
	}
	if reply == nil {
		return nil
	}
	return errors.Wrap(resp.Value.Decode(reply), "decode reply")
}

// Invoke performs a dynamic call with raw JSON parameters and returns the raw response.
func (c *Client) Invoke(ctx context.Context, service, method string, params message.Payload, opts ...CallOption) *message.ResponseMessage {
	req := c.newRequest(service, method, params, opts)
	req.InvokeMethod = true
	return c.do(ctx, req)
}

// Close closes the proxy.
func (c *Client) Close() error {
	return c.proxy.Close()
}

func (c *Client) newRequest(service, method string, params message.Payload, opts []CallOption) *message.RequestMessage {
	req := message.NewRequest(service, method, params)
	req.Caller.AppName = c.caller.AppName
	req.Caller.HostName = c.caller.HostName
	req.CacheTime = c.cacheTime
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func (c *Client) do(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	start := time.Now()
	resp := c.handler(ctx, req)
	if resp.ElapsedTime == 0 {
		resp.ElapsedTime = time.Since(start).Milliseconds()
	}
	return resp
}
