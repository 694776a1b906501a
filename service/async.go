package service

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

// AsyncService bounds the time spent waiting for the wrapped service. The inner call
// runs on its own goroutine; on timeout its context is cancelled and the caller gets an
// ErrCallTimeout response. Work that ignores its context keeps running until it returns.
type AsyncService struct {
	inner   Service
	timeout time.Duration
	errLog  logging.ErrorLog
	metrics *metrics.Metrics
	clock   clock.Clock
}

// NewAsyncService wraps inner with a dispatch deadline of timeout.
func NewAsyncService(inner Service, timeout time.Duration, errLog logging.ErrorLog, opts ...Option) *AsyncService {
	o := newOptions(opts)
	if errLog == nil {
		errLog = logging.NewErrorLog(o.log)
	}
	return &AsyncService{
		inner:   inner,
		timeout: timeout,
		errLog:  errLog,
		metrics: o.metrics,
		clock:   o.clock,
	}
}

func (a *AsyncService) ServiceName() string {
	return a.inner.ServiceName()
}

func (a *AsyncService) CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan *message.ResponseMessage, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.errLog.Write(a.panicError(ctx, req, r))
			}
		}()
		done <- a.inner.CallService(ctx, req)
	}()

	timer := a.clock.Timer(a.timeout)
	defer timer.Stop()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return message.NewErrorResponse(req, errors.Wrapf(ctx.Err(), "call %s", req.ServiceMethod()))
	case <-timer.C:
	}

	a.metrics.Timeout("dispatch", req.ServiceName)
	return message.NewErrorResponse(req, &message.TimeoutError{
		ServiceName: req.ServiceName,
		MethodName:  req.MethodName,
		Timeout:     a.timeout,
		Parameters:  req.Parameters.String(),
	})
}

func (a *AsyncService) panicError(ctx context.Context, req *message.RequestMessage, r any) error {
	caller := req.Caller
	if opCtx, ok := message.FromContext(ctx); ok {
		caller = opCtx.Caller
	}
	return errors.Errorf("Async call service (%s, %s) error: %v\nApplication => %s\nClient => %s(%s)\nParameters => %s",
		req.ServiceName, req.MethodName, r, caller.AppName, caller.HostName, caller.IPAddress, req.Parameters.String())
}
