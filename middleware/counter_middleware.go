package middleware

import (
	"context"

	"ioc-rpc/counter"
	"ioc-rpc/message"
)

// CallCounter counts every call per service method. A rate warning is recorded by the
// collection and does not fail the call.
func CallCounter(c *counter.Collection) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			c.CallCounter(&counter.CallEvent{Caller: message.AppCaller{
				AppName:     req.Caller.AppName,
				HostName:    req.Caller.HostName,
				IPAddress:   req.Caller.IPAddress,
				ServiceName: req.ServiceName,
				MethodName:  req.MethodName,
				Parameters:  req.Parameters.String(),
			}})
			return next(ctx, req)
		}
	}
}
