package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"ioc-rpc/message"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			if !limiter.Allow() {
				return message.NewErrorResponse(req, message.ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
