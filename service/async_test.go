package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

type recordingLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *recordingLog) WriteError(err error) { l.Write(err) }

func (l *recordingLog) Write(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func TestAsyncServicePassesResult(t *testing.T) {
	a := NewAsyncService(newArith(t), time.Second, nil)
	assert.Equal(t, "test", a.ServiceName())

	resp := call(context.Background(), a, "Add", `{"a":20,"b":22}`)
	require.False(t, resp.IsError())
	assert.Equal(t, "42", resp.Value.String())
}

func TestAsyncServiceTimeoutCancelsWork(t *testing.T) {
	cancelled := make(chan struct{})
	slow := Func{Name: "slow", Fn: func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
		<-ctx.Done()
		close(cancelled)
		return message.NewResponse(req, nil, 0)
	}}

	a := NewAsyncService(slow, 30*time.Millisecond, nil, WithMetrics(metrics.New()))
	start := time.Now()
	resp := a.CallService(context.Background(), message.NewRequest("Arith", "Add", message.Payload(`{"a":1}`)))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.True(t, resp.IsError())
	assert.True(t, errors.Is(resp.Err(), message.ErrCallTimeout))
	assert.False(t, errors.Is(resp.Err(), message.ErrTimeout))
	assert.Equal(t, "Call service (Arith, Add) timeout (30) ms.\nParameters => {\"a\":1}", resp.Error.Message)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("inner call was not cancelled")
	}
}

func TestAsyncServicePanicIsLoggedAndTimesOut(t *testing.T) {
	log := &recordingLog{}
	boom := Func{Name: "boom", Fn: func(context.Context, *message.RequestMessage) *message.ResponseMessage {
		panic("nil map")
	}}

	req := message.NewRequest("Arith", "Add", message.Payload(`{}`))
	req.Caller.AppName = "billing"
	req.Caller.HostName = "web-1"
	ctx := message.NewContext(context.Background(), message.NewOperationContext(req, "10.0.0.9:5000"))

	resp := NewAsyncService(boom, 20*time.Millisecond, log).CallService(ctx, req)
	assert.True(t, errors.Is(resp.Err(), message.ErrCallTimeout))

	errs := log.all()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "Async call service (Arith, Add) error: nil map")
	assert.Contains(t, errs[0].Error(), "Application => billing")
	assert.Contains(t, errs[0].Error(), "Client => web-1(10.0.0.9:5000)")
}

func TestAsyncServiceParentCancel(t *testing.T) {
	blocked := Func{Name: "blocked", Fn: func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
		<-ctx.Done()
		return message.NewErrorResponse(req, ctx.Err())
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := NewAsyncService(blocked, time.Second, nil).CallService(ctx, message.NewRequest("Arith", "Add", nil))
	require.True(t, resp.IsError())
	assert.False(t, errors.Is(resp.Err(), message.ErrCallTimeout))
}
