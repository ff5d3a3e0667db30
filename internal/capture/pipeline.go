// Package capture turns controller snapshots into persisted artifacts.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/browser"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

const (
	kindScreenshot = "screenshot"
	kindEventLog   = "datalayer"
)

// ErrNoEventLog is returned when the page defines no data layer.
var ErrNoEventLog = errors.New("no event log found")

// WrongShapeError reports a data layer that exists but is not an array.
type WrongShapeError struct {
	Type string
}

func (e *WrongShapeError) Error() string {
	return fmt.Sprintf("event log is not an array (got %s)", e.Type)
}

// ScriptError reports a failure inside the page while serializing the data layer.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return "event log capture failed: " + e.Message
}

// Browser is the part of the controller the pipeline reads from.
type Browser interface {
	Ready() bool
	Screenshot(ctx context.Context) ([]byte, error)
	Evaluate(ctx context.Context, script string, out any) error
	CurrentURL(ctx context.Context) (string, error)
}

// Store is where captured artifacts are appended.
type Store interface {
	CreateScreenshot(ctx context.Context, s *schemas.Screenshot) error
	CreateEventBatch(ctx context.Context, b *schemas.EventBatch) error
}

// Snapshot is one read of the page's data layer.
type Snapshot struct {
	URL        string
	Data       []any
	Partial    bool
	CapturedAt time.Time
}

// Pipeline captures artifacts for a single session.
type Pipeline struct {
	sessionID string
	browser   Browser
	store     Store
	cfg       config.CaptureConfig
	logger    *zap.Logger
}

func NewPipeline(sessionID string, b Browser, s Store, cfg config.CaptureConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sessionID: sessionID,
		browser:   b,
		store:     s,
		cfg:       cfg,
		logger:    logger.Named("capture").With(zap.String("session_id", sessionID)),
	}
}

// CaptureScreenshot grabs and persists the viewport. It returns (nil, nil)
// when no page is live.
func (p *Pipeline) CaptureScreenshot(ctx context.Context) (*schemas.Screenshot, error) {
	if !p.browser.Ready() {
		p.logger.Debug("Skipping screenshot, browser not ready.")
		observability.ObserveCapture(kindScreenshot, observability.OutcomeEmpty)
		return nil, nil
	}

	img, err := p.browser.Screenshot(ctx)
	if errors.Is(err, browser.ErrNotReady) {
		observability.ObserveCapture(kindScreenshot, observability.OutcomeEmpty)
		return nil, nil
	}
	if err != nil {
		observability.ObserveCapture(kindScreenshot, observability.OutcomeError)
		return nil, err
	}

	shot := &schemas.Screenshot{
		SessionID: p.sessionID,
		URL:       p.currentURL(ctx),
		Image:     img,
	}
	if err := p.store.CreateScreenshot(ctx, shot); err != nil {
		observability.ObserveCapture(kindScreenshot, observability.OutcomeError)
		return nil, fmt.Errorf("failed to persist screenshot: %w", err)
	}
	observability.ObserveCapture(kindScreenshot, observability.OutcomeOK)
	p.logger.Debug("Screenshot captured.", zap.String("id", shot.ID), zap.Int("bytes", len(img)))
	return shot, nil
}

// eventLogResult mirrors the object serialized by browser.EventLogScript.
type eventLogResult struct {
	Status  string `json:"status"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Data    []any  `json:"data"`
}

// CaptureEventLog reads the page's data layer. A missing page or an empty
// data layer yields (nil, nil).
func (p *Pipeline) CaptureEventLog(ctx context.Context) (*Snapshot, error) {
	if !p.browser.Ready() {
		p.logger.Debug("Skipping data layer capture, browser not ready.")
		observability.ObserveCapture(kindEventLog, observability.OutcomeEmpty)
		return nil, nil
	}

	var encoded string
	err := p.browser.Evaluate(ctx, browser.EventLogScript(p.partialTail()), &encoded)
	if errors.Is(err, browser.ErrNotReady) {
		observability.ObserveCapture(kindEventLog, observability.OutcomeEmpty)
		return nil, nil
	}
	if err != nil {
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, err
	}

	res, err := decodeEventLog(encoded)
	if err != nil {
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, err
	}

	snap := &Snapshot{CapturedAt: time.Now().UTC()}
	switch res.Status {
	case "success":
	case "partial_success":
		p.logger.Warn("Data layer could not be fully serialized, kept the most recent entries.",
			zap.Int("entries", len(res.Data)))
		snap.Partial = true
	case "not_found":
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, ErrNoEventLog
	case "not_array":
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, &WrongShapeError{Type: res.Type}
	case "error":
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, &ScriptError{Message: res.Message}
	default:
		observability.ObserveCapture(kindEventLog, observability.OutcomeError)
		return nil, &ScriptError{Message: fmt.Sprintf("unexpected status %q", res.Status)}
	}

	if len(res.Data) == 0 {
		observability.ObserveCapture(kindEventLog, observability.OutcomeEmpty)
		return nil, nil
	}
	snap.Data = res.Data
	snap.URL = p.currentURL(ctx)
	observability.ObserveCapture(kindEventLog, observability.OutcomeOK)
	return snap, nil
}

func decodeEventLog(encoded string) (eventLogResult, error) {
	var res eventLogResult
	dec := json.NewDecoder(strings.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return res, &ScriptError{Message: "unreadable script result: " + err.Error()}
	}
	return res, nil
}

// RecordEventBatch appends snap and its verdict to the store.
func (p *Pipeline) RecordEventBatch(ctx context.Context, snap *Snapshot, result validator.Result) (*schemas.EventBatch, error) {
	batch := &schemas.EventBatch{
		SessionID: p.sessionID,
		URL:       snap.URL,
		Data:      snap.Data,
		Verdict:   result.Verdict,
		Errors:    result.Errors,
		CreatedAt: snap.CapturedAt,
	}
	if batch.Errors == nil {
		batch.Errors = []string{}
	}
	if err := p.store.CreateEventBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to persist event batch: %w", err)
	}
	observability.ObserveVerdict(string(batch.Verdict))
	return batch, nil
}

func (p *Pipeline) partialTail() int {
	if p.cfg.PartialTail <= 0 {
		return 10
	}
	return p.cfg.PartialTail
}

// currentURL is best effort; an unreadable URL is recorded as empty.
func (p *Pipeline) currentURL(ctx context.Context) string {
	url, err := p.browser.CurrentURL(ctx)
	if err != nil {
		p.logger.Debug("Could not read the page URL.", zap.Error(err))
		return ""
	}
	return url
}
