package middleware

import (
	"context"
	"time"

	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

// Metrics records call counts and latency for side ("client" or "server").
func Metrics(m *metrics.Metrics, side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			start := time.Now()
			resp := next(ctx, req)
			m.ObserveCall(side, req.ServiceName, req.MethodName, resp.IsError(), time.Since(start))
			return resp
		}
	}
}
