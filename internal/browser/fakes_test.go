package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// fakePage records every primitive call in order.
type fakePage struct {
	mu    sync.Mutex
	calls []string

	width, height int
	url           string

	navigateErr   error
	evalResult    json.RawMessage
	evalErr       error
	waitVisibleOK bool
	screenshot    []byte
	block         chan struct{}
	// hang makes the pointer, keyboard and url primitives wait for ctx.
	hang bool
}

func newFakePage() *fakePage {
	return &fakePage{width: 1000, height: 800, waitVisibleOK: true, screenshot: []byte{0xFF, 0xD8}}
}

func (p *fakePage) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) Navigate(ctx context.Context, url string, until LoadState) error {
	p.record("navigate %s %s", url, until)
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Back(context.Context) error    { p.record("back"); return nil }
func (p *fakePage) Forward(context.Context) error { p.record("forward"); return nil }
func (p *fakePage) Reload(context.Context) error  { p.record("reload"); return nil }

func (p *fakePage) WaitForLoadState(ctx context.Context, state LoadState) error {
	p.record("wait %s", state)
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	p.record("evaluate")
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	if p.evalResult == nil {
		return json.RawMessage(`null`), nil
	}
	return p.evalResult, nil
}

func (p *fakePage) MouseMove(ctx context.Context, x, y, steps int) error {
	p.record("move %d,%d/%d", x, y, steps)
	return nil
}

func (p *fakePage) MouseDown(ctx context.Context) error {
	p.record("down")
	return p.stall(ctx)
}

func (p *fakePage) MouseUp(context.Context) error { p.record("up"); return nil }

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	p.record("visible %s", selector)
	if !p.waitVisibleOK {
		return context.DeadlineExceeded
	}
	return nil
}

func (p *fakePage) Clear(ctx context.Context, selector string) error {
	p.record("clear %s", selector)
	return nil
}

func (p *fakePage) TypeChar(ctx context.Context, selector string, ch rune) error {
	p.record("type %c", ch)
	return p.stall(ctx)
}

func (p *fakePage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	p.record("screenshot %d", quality)
	return p.screenshot, nil
}

func (p *fakePage) Viewport() (int, int) { return p.width, p.height }

func (p *fakePage) URL(ctx context.Context) (string, error) {
	if err := p.stall(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) stall(ctx context.Context) error {
	if !p.hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeDriver hands out a fixed page and stages. Stage closes are appended to
// closed in the order they run.
type fakeDriver struct {
	page      *fakePage
	err       error
	stageErrs map[string]error
	panicAt   string

	mu       sync.Mutex
	closed   []string
	launched int
	opts     LaunchOptions
	emit     func(Observation)
}

func newFakeDriver(page *fakePage) *fakeDriver {
	return &fakeDriver{page: page, stageErrs: map[string]error{}}
}

var errLaunch = errors.New("launch exploded")

func (d *fakeDriver) Launch(ctx context.Context, opts LaunchOptions, emit func(Observation)) (Page, []Stage, error) {
	d.mu.Lock()
	d.launched++
	d.opts = opts
	d.emit = emit
	d.mu.Unlock()

	names := []string{"page", "context", "browser", "driver"}
	if d.err != nil {
		// Only the driver and browser came up.
		names = names[2:]
	}
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		name := name
		stages = append(stages, Stage{Name: name, Close: func(context.Context) error {
			d.mu.Lock()
			d.closed = append(d.closed, name)
			d.mu.Unlock()
			if name == d.panicAt {
				panic("stage " + name)
			}
			return d.stageErrs[name]
		}})
	}
	if d.err != nil {
		return nil, stages, d.err
	}
	return d.page, stages, nil
}

func (d *fakeDriver) Closed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}
