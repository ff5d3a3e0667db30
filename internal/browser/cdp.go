package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const readyPollInterval = 50 * time.Millisecond

// CDPDriver launches chromium through chromedp.
type CDPDriver struct {
	logger *zap.Logger
}

var _ Driver = (*CDPDriver)(nil)

func NewCDPDriver(logger *zap.Logger) *CDPDriver {
	return &CDPDriver{logger: logger.Named("cdp")}
}

// allocatorOptions builds the exec allocator flags. Extra args of the form
// --name or --name=value are passed through as flags.
func allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
		chromedp.Flag("headless", opts.Headless),
	)
	if opts.IgnoreTLSErrors {
		allocOpts = append(allocOpts, chromedp.Flag("ignore-certificate-errors", true))
	}
	for _, arg := range opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}
	return allocOpts
}

// Launch allocates a browser process, opens a tab in a fresh browser context
// and applies the viewport, locale, timezone and init scripts.
func (d *CDPDriver) Launch(ctx context.Context, opts LaunchOptions, emit func(Observation)) (Page, []Stage, error) {
	// The browser must outlive the launch request, so it hangs off a detached context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))
	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())

	p := &cdpPage{tabCtx: tabCtx, width: opts.ViewportWidth, height: opts.ViewportHeight, logger: d.logger}

	stages := []Stage{
		{Name: "page", Close: func(ctx context.Context) error {
			runCtx, cancel := CombineContext(tabCtx, ctx)
			defer cancel()
			if err := chromedp.Run(runCtx, page.Close()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}},
		{Name: "context", Close: func(context.Context) error {
			tabCancel()
			return nil
		}},
		{Name: "browser", Close: func(ctx context.Context) error {
			err := chromedp.Cancel(browserCtx)
			browserCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}},
		{Name: "driver", Close: func(context.Context) error {
			allocCancel()
			return nil
		}},
	}

	chromedp.ListenTarget(tabCtx, p.listener(emit))

	setup := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if opts.Locale == "" {
				return nil
			}
			return emulation.SetLocaleOverride().WithLocale(opts.Locale).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if opts.TimezoneID == "" {
				return nil
			}
			return emulation.SetTimezoneOverride(opts.TimezoneID).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, script := range opts.InitScripts {
				if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
					return fmt.Errorf("failed to add init script: %w", err)
				}
			}
			return nil
		}),
	}

	// The first Run on browserCtx starts the process; a deadline on that call
	// would kill the browser when it fires, so the timeout is enforced by the
	// select. The tab's browser context can only be created once it is up.
	done := make(chan error, 1)
	go func() {
		if err := chromedp.Run(browserCtx); err != nil {
			done <- err
			return
		}
		done <- chromedp.Run(tabCtx, setup)
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, stages, fmt.Errorf("failed to start chromium: %w", err)
		}
	case <-ctx.Done():
		return nil, stages, fmt.Errorf("chromium did not start in time: %w", ctx.Err())
	}
	return p, stages, nil
}

// cdpPage implements Page against one chromedp tab.
type cdpPage struct {
	tabCtx        context.Context
	width, height int
	logger        *zap.Logger

	mu     sync.Mutex
	cursor struct{ x, y float64 }
}

var _ Page = (*cdpPage)(nil)

func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (p *cdpPage) listener(emit func(Observation)) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			emit(Observation{Kind: ObservationConsole, Level: string(e.Type), Text: consoleText(e.Args)})
		case *runtime.EventExceptionThrown:
			text := ""
			if e.ExceptionDetails != nil {
				text = e.ExceptionDetails.Text
				if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
					text = e.ExceptionDetails.Exception.Description
				}
			}
			emit(Observation{Kind: ObservationPageError, Text: text})
		case *page.EventJavascriptDialogOpening:
			emit(Observation{
				Kind:  ObservationDialog,
				Level: string(e.Type),
				Text:  e.Message,
				// Must not run inside the listener: chromedp delivers events on
				// the same goroutine that would read the response.
				Accept: func() error {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return p.run(ctx, page.HandleJavaScriptDialog(true))
				},
			})
		}
	}
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case len(arg.Value) > 0:
			var s string
			if err := json.Unmarshal(arg.Value, &s); err == nil {
				parts = append(parts, s)
			} else {
				parts = append(parts, string(arg.Value))
			}
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}

// waitReady polls document.readyState until it satisfies state.
func (p *cdpPage) waitReady(ctx context.Context, state LoadState) error {
	expr := `document.readyState !== 'loading'`
	if state == LoadStateLoad {
		expr = `document.readyState === 'complete'`
	}
	var ok bool
	return p.run(ctx, chromedp.Poll(expr, &ok, chromedp.WithPollingInterval(readyPollInterval)))
}

func (p *cdpPage) Navigate(ctx context.Context, url string, until LoadState) error {
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("page load error %s", res.ErrorText)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	return p.waitReady(ctx, until)
}

// historyStep moves delta entries through the session history. Moving past
// either end is a no-op.
func (p *cdpPage) historyStep(ctx context.Context, delta int) error {
	moved := false
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		current, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		target := int(current) + delta
		if target < 0 || target >= len(entries) {
			return nil
		}
		moved = true
		return page.NavigateToHistoryEntry(entries[target].ID).Do(ctx)
	}))
	if err != nil || !moved {
		return err
	}
	return p.waitReady(ctx, LoadStateDOMContentLoaded)
}

func (p *cdpPage) Back(ctx context.Context) error    { return p.historyStep(ctx, -1) }
func (p *cdpPage) Forward(ctx context.Context) error { return p.historyStep(ctx, 1) }

func (p *cdpPage) Reload(ctx context.Context) error {
	if err := p.run(ctx, page.Reload()); err != nil {
		return err
	}
	return p.waitReady(ctx, LoadStateDOMContentLoaded)
}

func (p *cdpPage) WaitForLoadState(ctx context.Context, state LoadState) error {
	return p.waitReady(ctx, state)
}

func (p *cdpPage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var res json.RawMessage
	err := p.run(ctx, chromedp.Evaluate(expression, &res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MouseMove interpolates from the last known cursor position.
func (p *cdpPage) MouseMove(ctx context.Context, x, y, steps int) error {
	if steps < 1 {
		steps = 1
	}
	p.mu.Lock()
	fromX, fromY := p.cursor.x, p.cursor.y
	p.mu.Unlock()

	toX, toY := float64(x), float64(y)
	actions := make([]chromedp.Action, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		actions = append(actions, input.DispatchMouseEvent(input.MouseMoved, fromX+(toX-fromX)*t, fromY+(toY-fromY)*t))
	}
	if err := p.run(ctx, actions...); err != nil {
		return err
	}
	p.mu.Lock()
	p.cursor.x, p.cursor.y = toX, toY
	p.mu.Unlock()
	return nil
}

func (p *cdpPage) mouseButton(ctx context.Context, typ input.MouseType) error {
	p.mu.Lock()
	x, y := p.cursor.x, p.cursor.y
	p.mu.Unlock()
	return p.run(ctx, input.DispatchMouseEvent(typ, x, y).
		WithButton(input.Left).
		WithButtons(1).
		WithClickCount(1))
}

func (p *cdpPage) MouseDown(ctx context.Context) error { return p.mouseButton(ctx, input.MousePressed) }
func (p *cdpPage) MouseUp(ctx context.Context) error   { return p.mouseButton(ctx, input.MouseReleased) }

func (p *cdpPage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *cdpPage) Clear(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Clear(selector, chromedp.ByQuery))
}

func (p *cdpPage) TypeChar(ctx context.Context, selector string, ch rune) error {
	return p.run(ctx, chromedp.SendKeys(selector, string(ch), chromedp.ByQuery))
}

func (p *cdpPage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *cdpPage) Viewport() (int, int) { return p.width, p.height }

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}
