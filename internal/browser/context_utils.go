package browser

import (
	"context"
	"time"
)

// CombineContext creates a new context derived from ctx1 (the tab context)
// that is canceled when either ctx1 or ctx2 (the operational context) is
// canceled. Values come from ctx1, which is what chromedp needs to find the
// target; ctx2 only contributes its deadline and cancellation.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext inherits values from its parent but ignores the parent's
// deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }

func (valueOnlyContext) Done() <-chan struct{} { return nil }

func (valueOnlyContext) Err() error { return nil }

// Detach returns a context that keeps ctx's values but is never canceled by it.
// Browser processes started during a request must outlive that request.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
