// Package browser drives one browser page per session. The Controller exposes
// navigation, pointer and keyboard input, screenshots and script evaluation
// on top of a backend Driver (chromedp for chromium, playwright-go for the
// other engines) and owns the ordered teardown of everything it launched.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
)

var (
	// ErrNotReady is returned by page operations when no live page exists.
	ErrNotReady = errors.New("browser not ready")
	// ErrClosed is returned by Launch after Shutdown.
	ErrClosed = errors.New("browser controller is shut down")
	// ErrElementNotFound is returned by TypeInto when the selector never becomes visible.
	ErrElementNotFound = errors.New("element not found")
)

const (
	pointerMoveSteps = 5
	initialSettle    = 1500 * time.Millisecond
)

// DriverResolver picks the backend for an engine.
type DriverResolver func(engine schemas.Engine) (Driver, error)

// Controller owns one page. Page operations are serialized by opMu; lifecycle
// state is guarded separately by mu so Ready and Shutdown never wait behind
// a slow navigation.
type Controller struct {
	cfg     config.BrowserConfig
	capture config.CaptureConfig
	logger  *zap.Logger
	resolve DriverResolver
	// loadSettle is the pause after the initial page load.
	loadSettle time.Duration

	opMu sync.Mutex

	mu     sync.RWMutex
	page   Page
	stages []Stage
	engine schemas.Engine
	closed bool
	obs    *observer

	shutdownOnce sync.Once
}

// Option customizes a Controller.
type Option func(*Controller)

// WithDriverResolver replaces the default engine to backend mapping.
func WithDriverResolver(r DriverResolver) Option {
	return func(c *Controller) { c.resolve = r }
}

// NewController creates a controller. Nothing is launched until Launch.
func NewController(cfg config.BrowserConfig, capture config.CaptureConfig, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		capture: capture,
		logger:  logger.Named("browser"),

		loadSettle: initialSettle,
	}
	c.resolve = c.defaultResolver
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) defaultResolver(engine schemas.Engine) (Driver, error) {
	switch engine {
	case schemas.EngineChromium:
		if strings.EqualFold(c.cfg.ChromiumBackend, "playwright") {
			return NewPlaywrightDriver(c.cfg.InstallDrivers, c.logger), nil
		}
		return NewCDPDriver(c.logger), nil
	case schemas.EngineFirefox, schemas.EngineWebKit:
		return NewPlaywrightDriver(c.cfg.InstallDrivers, c.logger), nil
	default:
		return nil, fmt.Errorf("unsupported browser engine %q", engine)
	}
}

// Launch starts the browser for engine and loads url. Non-http URLs start at
// about:blank. Any failure tears down whatever was created and leaves the
// controller shut down. Launching an already running controller is a no-op.
func (c *Controller) Launch(ctx context.Context, engine schemas.Engine, url string) (err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.page != nil {
		c.mu.Unlock()
		return nil
	}
	c.engine = engine
	c.obs = newObserver(c.cfg.ObserverBuffer, c.logger, c.acceptDialog)
	c.mu.Unlock()

	log := c.logger.With(zap.String("engine", string(engine)))
	defer func() { observability.ObserveLaunch(string(engine), err) }()

	driver, err := c.resolve(engine)
	if err != nil {
		c.teardown(ctx)
		return err
	}

	launchCtx, cancel := context.WithTimeout(ctx, c.cfg.LaunchTimeout)
	defer cancel()

	log.Info("Launching browser.")
	page, stages, err := driver.Launch(launchCtx, c.launchOptions(engine), c.obs.emit)
	c.mu.Lock()
	c.stages = stages
	if err == nil {
		c.page = page
	}
	c.mu.Unlock()
	if err != nil {
		log.Error("Browser launch failed, unwinding.", zap.Error(err), zap.Int("stages", len(stages)))
		c.teardown(ctx)
		return fmt.Errorf("failed to launch %s: %w", engine, err)
	}

	start := url
	if !strings.HasPrefix(start, "http") {
		log.Warn("Initial URL is not http(s), starting at about:blank.", zap.String("url", url))
		start = "about:blank"
	}
	navCtx, navCancel := context.WithTimeout(ctx, c.cfg.InitialLoadWait)
	defer navCancel()
	if err := page.Navigate(navCtx, start, LoadStateLoad); err != nil {
		log.Error("Initial navigation failed, unwinding.", zap.Error(err))
		c.teardown(ctx)
		return fmt.Errorf("failed to load initial url %s: %w", start, err)
	}
	if err := sleep(ctx, c.loadSettle); err != nil {
		return err
	}

	log.Info("Browser ready.", zap.String("url", start))
	return nil
}

func (c *Controller) launchOptions(engine schemas.Engine) LaunchOptions {
	return LaunchOptions{
		Engine:          engine,
		Headless:        c.cfg.Headless,
		Args:            c.cfg.Args,
		ViewportWidth:   c.cfg.ViewportWidth,
		ViewportHeight:  c.cfg.ViewportHeight,
		Locale:          c.cfg.Locale,
		TimezoneID:      c.cfg.TimezoneID,
		IgnoreTLSErrors: c.cfg.IgnoreTLSErrors,
		Timeout:         c.cfg.LaunchTimeout,
		InitScripts:     []string{MonitorScript},
	}
}

// Ready reports whether a live page exists.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.page != nil && !c.closed
}

// Engine returns the engine passed to the last Launch.
func (c *Controller) Engine() schemas.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

func (c *Controller) currentPage() Page {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.page
}

// withPage runs fn under the operation lock against the live page.
func (c *Controller) withPage(fn func(p Page) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	p := c.currentPage()
	if p == nil {
		return ErrNotReady
	}
	return fn(p)
}

// -- Navigation --

func (c *Controller) GoBack(ctx context.Context) error {
	return c.navigate(ctx, "back", c.cfg.NavigationTimeout, func(ctx context.Context, p Page) error { return p.Back(ctx) })
}

func (c *Controller) GoForward(ctx context.Context) error {
	return c.navigate(ctx, "forward", c.cfg.NavigationTimeout, func(ctx context.Context, p Page) error { return p.Forward(ctx) })
}

func (c *Controller) Reload(ctx context.Context) error {
	return c.navigate(ctx, "reload", c.cfg.NavigationTimeout, func(ctx context.Context, p Page) error { return p.Reload(ctx) })
}

func (c *Controller) Goto(ctx context.Context, url string) error {
	return c.navigate(ctx, "goto", c.cfg.GotoTimeout, func(ctx context.Context, p Page) error {
		return p.Navigate(ctx, url, LoadStateDOMContentLoaded)
	})
}

func (c *Controller) navigate(ctx context.Context, kind string, timeout time.Duration, fn func(context.Context, Page) error) error {
	return c.withPage(func(p Page) error {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(opCtx, p); err != nil {
			return fmt.Errorf("navigation %s failed: %w", kind, err)
		}
		return sleep(ctx, c.cfg.SettleDelay)
	})
}

// -- Input --

// Click presses at a fractional viewport position. Interactive elements under
// the point get a synthetic click first; the hardware sequence always follows.
func (c *Controller) Click(ctx context.Context, fx, fy float64) error {
	return c.withPage(func(p Page) error {
		w, h := p.Viewport()
		x, y := PointFor(w, h, fx, fy)
		log := c.logger.With(zap.Int("x", x), zap.Int("y", y))

		c.dispatchClick(ctx, p, x, y, log)

		steps := []func(context.Context) error{
			func(ctx context.Context) error { return p.MouseMove(ctx, x, y, pointerMoveSteps) },
			p.MouseDown,
			p.MouseUp,
		}
		for i, step := range steps {
			if i > 0 {
				if err := sleep(ctx, c.cfg.PointerPause); err != nil {
					return err
				}
			}
			if err := c.action(ctx, step); err != nil {
				return fmt.Errorf("click at (%d, %d) failed: %w", x, y, err)
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ClickSettle)
		defer cancel()
		if err := p.WaitForLoadState(waitCtx, LoadStateDOMContentLoaded); err != nil {
			log.Debug("No navigation settled after click.", zap.Error(err))
		}
		return nil
	})
}

type clickHit struct {
	Found       bool   `json:"found"`
	Tag         string `json:"tag"`
	Interactive bool   `json:"interactive"`
	Dispatched  bool   `json:"dispatched"`
}

func (c *Controller) dispatchClick(ctx context.Context, p Page, x, y int, log *zap.Logger) {
	evalCtx, cancel := context.WithTimeout(ctx, c.capture.ScriptTimeout)
	defer cancel()
	raw, err := p.Evaluate(evalCtx, clickDispatchScript(x, y))
	if err != nil {
		log.Debug("Synthetic click dispatch failed.", zap.Error(err))
		return
	}
	var hit clickHit
	if err := json.Unmarshal(raw, &hit); err != nil {
		log.Debug("Unexpected click dispatch result.", zap.ByteString("raw", raw))
		return
	}
	log.Debug("Click target resolved.", zap.Bool("found", hit.Found), zap.String("tag", hit.Tag), zap.Bool("dispatched", hit.Dispatched))
}

// TypeInto waits for selector to become visible, clears it and types text
// one character at a time.
func (c *Controller) TypeInto(ctx context.Context, selector, text string) error {
	return c.withPage(func(p Page) error {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.SelectorTimeout)
		err := p.WaitVisible(waitCtx, selector)
		cancel()
		if err != nil {
			c.logger.Debug("Selector never became visible.", zap.String("selector", selector), zap.Error(err))
			return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		err = c.action(ctx, func(ctx context.Context) error { return p.Clear(ctx, selector) })
		if err != nil {
			return fmt.Errorf("failed to clear %s: %w", selector, err)
		}
		for _, ch := range text {
			err := c.action(ctx, func(ctx context.Context) error { return p.TypeChar(ctx, selector, ch) })
			if err != nil {
				return fmt.Errorf("failed to type into %s: %w", selector, err)
			}
			if err := sleep(ctx, c.cfg.KeyDelay); err != nil {
				return err
			}
		}
		return nil
	})
}

// -- Capture primitives --

// Screenshot returns a JPEG of the viewport.
func (c *Controller) Screenshot(ctx context.Context) ([]byte, error) {
	var img []byte
	err := c.withPage(func(p Page) error {
		opCtx, cancel := context.WithTimeout(ctx, c.capture.ScreenshotTimeout)
		defer cancel()
		var err error
		img, err = p.Screenshot(opCtx, c.capture.ScreenshotQuality)
		if err != nil {
			return fmt.Errorf("failed to capture screenshot: %w", err)
		}
		return nil
	})
	return img, err
}

// Evaluate runs script and decodes its result into out, keeping numbers as
// json.Number. out may be nil.
func (c *Controller) Evaluate(ctx context.Context, script string, out any) error {
	return c.withPage(func(p Page) error {
		opCtx, cancel := context.WithTimeout(ctx, c.capture.ScriptTimeout)
		defer cancel()
		raw, err := p.Evaluate(opCtx, script)
		if err != nil {
			return fmt.Errorf("failed to evaluate script: %w", err)
		}
		if out == nil {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("failed to decode script result: %w", err)
		}
		return nil
	})
}

// CurrentURL returns the page URL.
func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := c.withPage(func(p Page) error {
		opCtx, cancel := context.WithTimeout(ctx, c.capture.ScriptTimeout)
		defer cancel()
		var err error
		url, err = p.URL(opCtx)
		if err != nil {
			return fmt.Errorf("failed to read page url: %w", err)
		}
		return nil
	})
	return url, err
}

// action runs one pointer or keyboard step under the action timeout.
func (c *Controller) action(ctx context.Context, step func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()
	return step(opCtx)
}

// acceptDialog runs on the observer goroutine. A command holding opMu is
// blocked by the dialog itself, so the accept goes out without the lock.
func (c *Controller) acceptDialog(obs Observation) {
	if obs.Accept == nil {
		return
	}
	var err error
	if c.opMu.TryLock() {
		err = obs.Accept()
		c.opMu.Unlock()
	} else {
		err = obs.Accept()
	}
	if err != nil {
		c.logger.Warn("Failed to accept dialog.", zap.Error(err))
	}
}

// -- Shutdown --

// Shutdown closes page, context, browser and driver in that order. It is
// safe to call more than once and from any goroutine.
func (c *Controller) Shutdown(ctx context.Context) {
	c.teardown(ctx)
}

func (c *Controller) teardown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stages := c.stages
		obs := c.obs
		c.page = nil
		c.stages = nil
		c.mu.Unlock()

		c.runStages(ctx, stages)
		if obs != nil {
			obs.stop()
		}
		c.logger.Info("Browser shut down.", zap.Int("stages", len(stages)))
	})
}

func (c *Controller) runStages(ctx context.Context, stages []Stage) {
	for _, stage := range stages {
		c.runStage(ctx, stage)
	}
}

func (c *Controller) runStage(ctx context.Context, stage Stage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Teardown stage panicked.", zap.String("stage", stage.Name), zap.Any("panic", r))
		}
	}()
	if stage.Close == nil {
		return
	}
	stageCtx, cancel := context.WithTimeout(Detach(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := stage.Close(stageCtx); err != nil {
		c.logger.Warn("Teardown stage failed.", zap.String("stage", stage.Name), zap.Error(err))
		return
	}
	c.logger.Debug("Teardown stage done.", zap.String("stage", stage.Name))
}
