package counter

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Window resets a Collection once per period.
type Window struct {
	collection *Collection
	period     time.Duration
	clock      clock.Clock
}

// NewWindow creates a window over c. A nil clock uses the wall clock.
func NewWindow(c *Collection, period time.Duration, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.New()
	}
	return &Window{collection: c, period: period, clock: clk}
}

// Run resets the collection every period until ctx is done.
func (w *Window) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.collection.Reset()
		}
	}
}
