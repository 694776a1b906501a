package middleware

import (
	"context"

	"github.com/pkg/errors"

	"ioc-rpc/logging"
	"ioc-rpc/message"
)

// Recovery turns a panic below it into an error response and logs it.
func Recovery(errLog logging.ErrorLog) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) (resp *message.ResponseMessage) {
			defer func() {
				if r := recover(); r != nil {
					err := errors.Errorf("panic in %s: %v", req.ServiceMethod(), r)
					errLog.Write(err)
					resp = message.NewErrorResponse(req, err)
				}
			}()
			return next(ctx, req)
		}
	}
}
