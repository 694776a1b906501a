package message

import "context"

// OperationContext is the explicit per-call context handed from the server dispatch
// down to the decorators. It replaces any thread-local "current call" state.
type OperationContext struct {
	Caller     AppCaller
	RemoteAddr string
}

// NewOperationContext builds the context for req received from remoteAddr.
// Missing caller fields are filled in from the request itself.
func NewOperationContext(req *RequestMessage, remoteAddr string) *OperationContext {
	caller := req.Caller
	if caller.ServiceName == "" {
		caller.ServiceName = req.ServiceName
	}
	if caller.MethodName == "" {
		caller.MethodName = req.MethodName
	}
	if caller.Parameters == "" {
		caller.Parameters = req.Parameters.String()
	}
	if caller.IPAddress == "" {
		caller.IPAddress = remoteAddr
	}
	return &OperationContext{
		Caller:     caller,
		RemoteAddr: remoteAddr,
	}
}

type operationContextKey struct{}

// NewContext returns a copy of ctx carrying opCtx.
func NewContext(ctx context.Context, opCtx *OperationContext) context.Context {
	return context.WithValue(ctx, operationContextKey{}, opCtx)
}

// FromContext returns the OperationContext stored in ctx, if any.
func FromContext(ctx context.Context) (*OperationContext, bool) {
	opCtx, ok := ctx.Value(operationContextKey{}).(*OperationContext)
	return opCtx, ok && opCtx != nil
}
