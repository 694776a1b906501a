package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ioc-rpc/logging"
	"ioc-rpc/message"
)

// Logging logs every call with its duration, and failures at warn level.
func Logging(log *zap.Logger) Middleware {
	log = logging.OrNop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceName),
				zap.String("method", req.MethodName),
				zap.Stringer("tx", req.TransactionID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.IsError() {
				log.Warn("call failed", append(fields, zap.String("kind", string(resp.Error.Kind)), zap.String("error", resp.Error.Message))...)
			} else {
				log.Debug("call", append(fields, zap.Int("count", resp.Count))...)
			}
			return resp
		}
	}
}
