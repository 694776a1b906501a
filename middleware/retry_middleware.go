package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ioc-rpc/logging"
	"ioc-rpc/message"
)

// Retryable reports whether a failed call may be sent again: the pool was full, the
// connection failed or the remote side did not answer in time.
func Retryable(resp *message.ResponseMessage) bool {
	err := resp.Err()
	return errors.Is(err, message.ErrPoolExhausted) ||
		errors.Is(err, message.ErrTransport) ||
		errors.Is(err, message.ErrTimeout)
}

// Retry resends retryable failures up to maxRetries times with exponential backoff.
// Each attempt travels under a fresh transaction id; the final response is bound to the
// caller's original transaction.
func Retry(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	log = logging.OrNop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && resp.IsError() && Retryable(resp); i++ {
				delay := baseDelay * time.Duration(1<<i)
				log.Debug("retrying call",
					zap.String("service", req.ServiceName),
					zap.String("method", req.MethodName),
					zap.Int("attempt", i+1),
					zap.Duration("backoff", delay),
					zap.String("error", resp.Error.Message))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}

				attempt := *req
				attempt.TransactionID = uuid.New()
				resp = next(ctx, &attempt).Rewrap(req)
			}
			return resp
		}
	}
}
