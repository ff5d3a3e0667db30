package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

const playwrightInstallTimeout = 5 * time.Minute

// PlaywrightDriver launches chromium, firefox or webkit through playwright-go.
type PlaywrightDriver struct {
	install bool
	logger  *zap.Logger
}

var _ Driver = (*PlaywrightDriver)(nil)

func NewPlaywrightDriver(install bool, logger *zap.Logger) *PlaywrightDriver {
	return &PlaywrightDriver{install: install, logger: logger.Named("playwright")}
}

// ensureInstallation downloads the driver and the browser for engine. The
// install call blocks without a context, so it runs on its own goroutine.
func (d *PlaywrightDriver) ensureInstallation(ctx context.Context, engine schemas.Engine) error {
	d.logger.Info("Verifying Playwright browser installation...", zap.String("engine", string(engine)))
	installCtx, cancel := context.WithTimeout(ctx, playwrightInstallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{string(engine)}}); err != nil {
			errCh <- fmt.Errorf("failed to install playwright browsers: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

func (d *PlaywrightDriver) Launch(ctx context.Context, opts LaunchOptions, emit func(Observation)) (Page, []Stage, error) {
	if d.install {
		if err := d.ensureInstallation(ctx, opts.Engine); err != nil {
			return nil, nil, err
		}
	}

	var stages []Stage
	// Stages are prepended as resources come up so the slice always reads
	// page, context, browser, driver.
	push := func(s Stage) { stages = append([]Stage{s}, stages...) }

	pw, err := playwright.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	push(Stage{Name: "driver", Close: func(context.Context) error { return pw.Stop() }})

	var browserType playwright.BrowserType
	switch opts.Engine {
	case schemas.EngineFirefox:
		browserType = pw.Firefox
	case schemas.EngineWebKit:
		browserType = pw.WebKit
	default:
		browserType = pw.Chromium
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Timeout:  playwright.Float(float64(opts.Timeout.Milliseconds())),
	}
	// The chromium switches mean nothing to the other engines.
	if opts.Engine == schemas.EngineChromium {
		launchOpts.Args = append([]string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		}, opts.Args...)
	}
	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		return nil, stages, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	push(Stage{Name: "browser", Close: func(context.Context) error { return browser.Close() }})

	ctxOpts := playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: opts.ViewportWidth, Height: opts.ViewportHeight},
		IgnoreHttpsErrors: playwright.Bool(opts.IgnoreTLSErrors),
	}
	if opts.Locale != "" {
		ctxOpts.Locale = playwright.String(opts.Locale)
	}
	if opts.TimezoneID != "" {
		ctxOpts.TimezoneId = playwright.String(opts.TimezoneID)
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		return nil, stages, fmt.Errorf("failed to create browser context: %w", err)
	}
	push(Stage{Name: "context", Close: func(context.Context) error { return bctx.Close() }})

	for _, script := range opts.InitScripts {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
			return nil, stages, fmt.Errorf("failed to add init script: %w", err)
		}
	}

	pg, err := bctx.NewPage()
	if err != nil {
		return nil, stages, fmt.Errorf("failed to open page: %w", err)
	}
	push(Stage{Name: "page", Close: func(context.Context) error { return pg.Close() }})

	pg.OnConsole(func(msg playwright.ConsoleMessage) {
		emit(Observation{Kind: ObservationConsole, Level: msg.Type(), Text: msg.Text()})
	})
	pg.OnPageError(func(err error) {
		emit(Observation{Kind: ObservationPageError, Text: err.Error()})
	})
	pg.OnDialog(func(dialog playwright.Dialog) {
		emit(Observation{Kind: ObservationDialog, Level: dialog.Type(), Text: dialog.Message(), Accept: func() error {
			return dialog.Accept()
		}})
	})

	return &playwrightPage{page: pg}, stages, nil
}

// playwrightPage adapts a playwright.Page. Playwright calls take millisecond
// timeouts instead of contexts, so each call derives one from ctx.
type playwrightPage struct {
	page playwright.Page
}

var _ Page = (*playwrightPage)(nil)

// timeoutMillis converts the remaining time on ctx to a playwright timeout.
// Zero means no timeout to playwright, so an expired context maps to 1ms.
func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func waitUntil(state LoadState) *playwright.WaitUntilState {
	if state == LoadStateLoad {
		return playwright.WaitUntilStateLoad
	}
	return playwright.WaitUntilStateDomcontentloaded
}

func (p *playwrightPage) Navigate(ctx context.Context, url string, until LoadState) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: waitUntil(until), Timeout: timeoutMillis(ctx)})
	return err
}

func (p *playwrightPage) Back(ctx context.Context) error {
	_, err := p.page.GoBack(playwright.PageGoBackOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: timeoutMillis(ctx)})
	return err
}

func (p *playwrightPage) Forward(ctx context.Context) error {
	_, err := p.page.GoForward(playwright.PageGoForwardOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: timeoutMillis(ctx)})
	return err
}

func (p *playwrightPage) Reload(ctx context.Context) error {
	_, err := p.page.Reload(playwright.PageReloadOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: timeoutMillis(ctx)})
	return err
}

func (p *playwrightPage) WaitForLoadState(ctx context.Context, state LoadState) error {
	ls := playwright.LoadStateDomcontentloaded
	if state == LoadStateLoad {
		ls = playwright.LoadStateLoad
	}
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{State: ls, Timeout: timeoutMillis(ctx)})
}

// Evaluate re-encodes the driver's decoded value. Scripts that need exact
// number text return a JSON string instead of an object.
func (p *playwrightPage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := p.page.Evaluate(expression)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		raw, err := json.Marshal(r.v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode evaluation result: %w", err)
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *playwrightPage) MouseMove(ctx context.Context, x, y, steps int) error {
	return p.page.Mouse().Move(float64(x), float64(y), playwright.MouseMoveOptions{Steps: playwright.Int(steps)})
}

func (p *playwrightPage) MouseDown(ctx context.Context) error { return p.page.Mouse().Down() }

func (p *playwrightPage) MouseUp(ctx context.Context) error { return p.page.Mouse().Up() }

func (p *playwrightPage) WaitVisible(ctx context.Context, selector string) error {
	return p.page.Locator(selector).WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeoutMillis(ctx),
	})
}

func (p *playwrightPage) Clear(ctx context.Context, selector string) error {
	return p.page.Locator(selector).Fill("", playwright.LocatorFillOptions{Timeout: timeoutMillis(ctx)})
}

func (p *playwrightPage) TypeChar(ctx context.Context, selector string, ch rune) error {
	return p.page.Locator(selector).PressSequentially(string(ch), playwright.LocatorPressSequentiallyOptions{Timeout: timeoutMillis(ctx)})
}

func (p *playwrightPage) Screenshot(ctx context.Context, quality int) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(quality),
		Timeout: timeoutMillis(ctx),
	})
}

func (p *playwrightPage) Viewport() (int, int) {
	size := p.page.ViewportSize()
	if size == nil {
		return 0, 0
	}
	return size.Width, size.Height
}

func (p *playwrightPage) URL(context.Context) (string, error) {
	return p.page.URL(), nil
}
