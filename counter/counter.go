// Package counter counts calls per service method inside a rolling window and warns
// when a method was called more often than allowed in the window that just ended.
//
// Rollover is lazy: Reset only flags every entry, and the next call of a flagged method
// checks the finished window, emits at most one warning and starts counting again.
package counter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"ioc-rpc/logging"
	"ioc-rpc/message"
)

// CallEvent describes one call. CallCounter sets Error when the call closed a window
// in which the method exceeded its limit.
type CallEvent struct {
	Caller message.AppCaller
	Error  error
}

// Info is the counter of one service method.
type Info struct {
	mu          sync.Mutex
	ServiceName string
	MethodName  string
	Count       int
	NeedReset   bool
}

// Snapshot is a point-in-time copy of an Info.
type Snapshot struct {
	ServiceName string `json:"service_name"`
	MethodName  string `json:"method_name"`
	Count       int    `json:"count"`
	NeedReset   bool   `json:"need_reset"`
}

// Collection holds the counters of every method seen so far.
type Collection struct {
	items     *xsync.MapOf[string, *Info]
	maxCount  int
	errLog    logging.ErrorLog
	onWarning func(ev *CallEvent)
}

// Option configures a Collection.
type Option func(*Collection)

// WithWarningHook is called after a warning was logged.
func WithWarningHook(fn func(ev *CallEvent)) Option {
	return func(c *Collection) { c.onWarning = fn }
}

// NewCollection creates a collection that warns above maxCount calls per window.
func NewCollection(errLog logging.ErrorLog, maxCount int, opts ...Option) *Collection {
	if errLog == nil {
		errLog = logging.NewErrorLog(nil)
	}
	c := &Collection{
		items:    xsync.NewMapOf[string, *Info](),
		maxCount: maxCount,
		errLog:   errLog,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func callKey(service, method string) string {
	return "Call_" + service + "_" + method
}

// CallCounter counts one call of ev.Caller's method.
func (c *Collection) CallCounter(ev *CallEvent) {
	info, _ := c.items.LoadOrCompute(callKey(ev.Caller.ServiceName, ev.Caller.MethodName), func() *Info {
		return &Info{ServiceName: ev.Caller.ServiceName, MethodName: ev.Caller.MethodName}
	})

	info.mu.Lock()
	defer info.mu.Unlock()

	if info.NeedReset {
		if info.Count >= c.maxCount {
			warning := &message.WarningError{Message: fmt.Sprintf(
				"One minute call method (%s, %s) %d times more than %d times.",
				info.ServiceName, info.MethodName, info.Count, c.maxCount)}
			c.errLog.WriteError(warning)
			ev.Error = warning
			if c.onWarning != nil {
				c.onWarning(ev)
			}
		}
		info.Count = 0
		info.NeedReset = false
	}
	info.Count++
}

// Reset flags every counter for rollover. Counts are cleared on each method's next call.
func (c *Collection) Reset() {
	c.items.Range(func(_ string, info *Info) bool {
		info.mu.Lock()
		info.NeedReset = true
		info.mu.Unlock()
		return true
	})
}

// Snapshot returns all counters sorted by service and method.
func (c *Collection) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, c.items.Size())
	c.items.Range(func(_ string, info *Info) bool {
		info.mu.Lock()
		out = append(out, Snapshot{
			ServiceName: info.ServiceName,
			MethodName:  info.MethodName,
			Count:       info.Count,
			NeedReset:   info.NeedReset,
		})
		info.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].MethodName < out[j].MethodName
	})
	return out
}

// MaxCount returns the per-window call limit.
func (c *Collection) MaxCount() int {
	return c.maxCount
}
