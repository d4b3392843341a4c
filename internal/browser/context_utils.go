// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of primary (the
// chromedp tab) and is canceled when either primary or op is done.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach keeps the values of ctx but drops its cancellation, so cleanup can
// still reach the page after the caller's context has ended.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
