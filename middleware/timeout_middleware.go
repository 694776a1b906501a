package middleware

import (
	"context"
	"time"

	"ioc-rpc/message"
)

// Timeout bounds the whole call, retries included. The context handed down carries the
// deadline so the remote proxy stops waiting with it. A call that failed because this
// deadline passed is reported as the caller timeout.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(parent context.Context, req *message.RequestMessage) *message.ResponseMessage {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			done := make(chan *message.ResponseMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			timedOut := func() *message.ResponseMessage {
				return message.NewErrorResponse(req, &message.TimeoutError{
					ServiceName: req.ServiceName,
					MethodName:  req.MethodName,
					Timeout:     timeout,
					Parameters:  req.Parameters.String(),
				})
			}

			select {
			case resp := <-done:
				if resp.IsError() && ctx.Err() != nil && parent.Err() == nil {
					return timedOut()
				}
				return resp
			case <-ctx.Done():
				return timedOut()
			}
		}
	}
}
