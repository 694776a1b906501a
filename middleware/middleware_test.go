package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ioc-rpc/counter"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(_ context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return message.NewResponse(req, message.Payload(`"ok"`), 1)
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.NewResponse(req, message.Payload(`"ok"`), 1)
}

func newRequest() *message.RequestMessage {
	return message.NewRequest("Arith", "Add", message.Payload(`{"a":1,"b":2}`))
}

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

func TestLogging(t *testing.T) {
	handler := Logging(zaptest.NewLogger(t))(echoHandler)

	req := newRequest()
	resp := handler(context.Background(), req)

	require.NotNil(t, resp)
	assert.Equal(t, `"ok"`, resp.Value.String())
	assert.Equal(t, req.TransactionID, resp.TransactionID)
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	assert.False(t, resp.IsError())
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest())
	require.True(t, resp.IsError())
	assert.True(t, errors.Is(resp.Err(), message.ErrCallTimeout))
	assert.Contains(t, resp.Error.Message, "Call service (Arith, Add) timeout (50) ms.")
}

func TestTimeoutReportsDeadlineFailures(t *testing.T) {
	// 下游在截止时间到达时自己返回错误，也按调用超时上报
	deadlineAware := func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
		<-ctx.Done()
		return message.NewErrorResponse(req, &message.TimeoutError{Remote: true, Node: "n1", ServiceName: req.ServiceName, MethodName: req.MethodName})
	}
	handler := Timeout(30 * time.Millisecond)(deadlineAware)

	for i := 0; i < 20; i++ {
		resp := handler(context.Background(), newRequest())
		require.True(t, resp.IsError())
		assert.True(t, errors.Is(resp.Err(), message.ErrCallTimeout))
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		require.False(t, resp.IsError(), "request %d should pass", i)
	}

	resp := handler(context.Background(), newRequest())
	assert.True(t, errors.Is(resp.Err(), message.ErrRateLimited))
}

func TestRetryRetryableErrors(t *testing.T) {
	var attempts atomic.Int32
	var ids sync.Map
	flaky := func(_ context.Context, req *message.RequestMessage) *message.ResponseMessage {
		ids.Store(req.TransactionID, true)
		if attempts.Add(1) < 3 {
			return message.NewErrorResponse(req, &message.PoolExhaustedError{Node: "n1", Limit: 5})
		}
		return message.NewResponse(req, message.Payload(`3`), 1)
	}

	req := newRequest()
	resp := Retry(3, time.Millisecond, zaptest.NewLogger(t))(flaky)(context.Background(), req)

	require.False(t, resp.IsError())
	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, req.TransactionID, resp.TransactionID)

	distinct := 0
	ids.Range(func(any, any) bool { distinct++; return true })
	assert.Equal(t, 3, distinct, "every attempt uses its own transaction id")
}

func TestRetrySkipsBusinessErrors(t *testing.T) {
	var attempts atomic.Int32
	failing := func(_ context.Context, req *message.RequestMessage) *message.ResponseMessage {
		attempts.Add(1)
		return message.NewErrorResponse(req, errors.New("division by zero"))
	}

	resp := Retry(3, time.Millisecond, nil)(failing)(context.Background(), newRequest())
	assert.True(t, resp.IsError())
	assert.EqualValues(t, 1, attempts.Load())
}

func TestRecovery(t *testing.T) {
	log := &recordingLog{}
	panicking := func(context.Context, *message.RequestMessage) *message.ResponseMessage {
		panic("boom")
	}

	resp := Recovery(log)(panicking)(context.Background(), newRequest())
	require.True(t, resp.IsError())
	assert.Contains(t, resp.Error.Message, "panic in Arith.Add: boom")
	assert.Len(t, log.errs, 1)
}

func TestCallCounter(t *testing.T) {
	log := &recordingLog{}
	c := counter.NewCollection(log, 1)
	handler := CallCounter(c)(echoHandler)

	handler(context.Background(), newRequest())
	handler(context.Background(), newRequest())
	c.Reset()
	resp := handler(context.Background(), newRequest())

	assert.False(t, resp.IsError(), "a rate warning does not fail the call")
	assert.Len(t, log.errs, 1)
	assert.Equal(t, 1, c.Snapshot()[0].Count)
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Metrics + Timeout，验证请求能正常穿过
	chained := Chain(Logging(nil), Metrics(metrics.New(), "server"), Timeout(500*time.Millisecond))
	handler := chained(echoHandler)

	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.False(t, resp.IsError())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	Chain(mark("a"), mark("b"), mark("c"))(echoHandler)(context.Background(), newRequest())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
