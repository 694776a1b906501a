// Package service holds the service contract and the decorators stacked on it by the
// server:
//
//	SyncCaller (response cache) → AsyncService (dispatch deadline) → Container (reflection)
//
// Every layer returns failures as error responses; nothing is panicked across CallService.
package service

import (
	"context"

	"ioc-rpc/message"
)

// Service handles calls. Implementations must be safe for concurrent use.
type Service interface {
	ServiceName() string
	CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage
}

// Func adapts a function to Service.
type Func struct {
	Name string
	Fn   func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage
}

func (f Func) ServiceName() string {
	return f.Name
}

func (f Func) CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return f.Fn(ctx, req)
}
