// Package middleware wraps service dispatch with cross-cutting behavior. The same chain
// type is used on the server in front of the dispatcher and on the client in front of
// the remote proxy.
package middleware

import (
	"context"

	"ioc-rpc/message"
)

// HandlerFunc handles one call. It never returns nil and never panics: failures are
// error responses.
type HandlerFunc func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
