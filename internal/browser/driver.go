package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

// LoadState is the document lifecycle point a navigation waits for.
type LoadState string

const (
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoad             LoadState = "load"
)

// Page is the primitive surface a backend exposes for one tab. The Controller
// composes these into the higher level operations; implementations do not
// serialize calls themselves.
type Page interface {
	Navigate(ctx context.Context, url string, until LoadState) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error
	WaitForLoadState(ctx context.Context, state LoadState) error

	// Evaluate runs a JavaScript expression and returns its JSON encoded result.
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)

	MouseMove(ctx context.Context, x, y, steps int) error
	MouseDown(ctx context.Context) error
	MouseUp(ctx context.Context) error

	WaitVisible(ctx context.Context, selector string) error
	Clear(ctx context.Context, selector string) error
	TypeChar(ctx context.Context, selector string, ch rune) error

	Screenshot(ctx context.Context, quality int) ([]byte, error)
	Viewport() (width, height int)
	URL(ctx context.Context) (string, error)
}

// Stage is one step of the teardown sequence. Backends return them in the
// order they must run: page, context, browser, driver.
type Stage struct {
	Name  string
	Close func(ctx context.Context) error
}

// LaunchOptions is what a Driver needs to start a browser and open one page.
type LaunchOptions struct {
	Engine          schemas.Engine
	Headless        bool
	Args            []string
	ViewportWidth   int
	ViewportHeight  int
	Locale          string
	TimezoneID      string
	IgnoreTLSErrors bool
	Timeout         time.Duration
	InitScripts     []string
}

// Driver starts a browser for an engine. On error the returned stages cover
// whatever was created before the failure and must still be run.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions, emit func(Observation)) (Page, []Stage, error)
}

// ObservationKind classifies events reported by the page.
type ObservationKind string

const (
	ObservationConsole   ObservationKind = "console"
	ObservationPageError ObservationKind = "pageerror"
	ObservationDialog    ObservationKind = "dialog"
)

// Observation is an out-of-band event from the page. For dialogs, Accept
// dismisses the dialog positively.
type Observation struct {
	Kind   ObservationKind
	Level  string
	Text   string
	Accept func() error
}
