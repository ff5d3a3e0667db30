// Package session implements the per-connection actor that serializes client
// commands into browser operations, captures and validates artifacts after
// each step and tracks the session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/browser"
	"github.com/xkilldash9x/datalayer-validator/internal/capture"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
	"github.com/xkilldash9x/datalayer-validator/internal/observability"
	"github.com/xkilldash9x/datalayer-validator/internal/report"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

var (
	// ErrSessionTerminal rejects commands after a fatal launch failure.
	ErrSessionTerminal = errors.New("session is in error state")
	// ErrSessionClosed is returned by Submit after Close or stop.
	ErrSessionClosed = errors.New("session is closed")
)

const defaultCloseGrace = 30 * time.Second

// Browser is the controller surface the actor drives.
type Browser interface {
	capture.Browser
	Launch(ctx context.Context, engine schemas.Engine, url string) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Reload(ctx context.Context) error
	Goto(ctx context.Context, url string) error
	Click(ctx context.Context, fx, fy float64) error
	TypeInto(ctx context.Context, selector, text string) error
	Shutdown(ctx context.Context)
}

// Sink delivers outbound messages to the client.
type Sink interface {
	Send(ctx context.Context, msg any) error
	// Close asks the transport to end the connection normally.
	Close()
}

// Deps are the collaborators of one session actor.
type Deps struct {
	Browser Browser
	Store   store.Repository
	Capture config.CaptureConfig
	// ReportThreshold is the success percentage for a valid report.
	ReportThreshold int
	// CloseGrace bounds how long Close waits for an in-flight command.
	CloseGrace time.Duration
}

// Session is the actor for one session id. All fields below the mailbox are
// touched only by the Run goroutine.
type Session struct {
	id     string
	logger *zap.Logger
	sink   Sink
	grace  time.Duration

	mailbox *mailbox
	started atomic.Bool
	done    chan struct{}

	teardownOnce sync.Once

	browser   Browser
	repo      store.Repository
	pipeline  *capture.Pipeline
	reports   *report.Aggregator
	reference *validator.Reference
	record    schemas.Session
	stopped   bool
}

// New creates the actor for record. Nothing runs until Run.
func New(record *schemas.Session, deps Deps, sink Sink, logger *zap.Logger) *Session {
	log := logger.Named("session").With(zap.String("session_id", record.ID))

	ref, err := validator.ParseReference(record.Reference)
	if err != nil {
		log.Warn("Reference document could not be parsed, captures will be unvalidated.", zap.Error(err))
		ref = &validator.Reference{}
	}

	grace := deps.CloseGrace
	if grace <= 0 {
		grace = defaultCloseGrace
	}
	threshold := deps.ReportThreshold
	if threshold <= 0 {
		threshold = report.DefaultSuccessThreshold
	}

	return &Session{
		id:        record.ID,
		logger:    log,
		sink:      sink,
		grace:     grace,
		mailbox:   newMailbox(),
		done:      make(chan struct{}),
		browser:   deps.Browser,
		repo:      deps.Store,
		pipeline:  capture.NewPipeline(record.ID, deps.Browser, deps.Store, deps.Capture, logger),
		reports:   report.NewAggregator(deps.Store, threshold, logger),
		reference: ref,
		record:    *record,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Submit queues a raw inbound message. It never blocks.
func (s *Session) Submit(raw []byte) error {
	if !s.mailbox.push(raw) {
		return ErrSessionClosed
	}
	return nil
}

// Done is closed when Run has returned and the browser is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes queued commands one at a time until stop, Close or ctx ends.
// The browser is torn down on return.
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	observability.SessionOpened()
	defer func() {
		s.teardown(ctx)
		observability.SessionClosed()
		close(s.done)
	}()

	for {
		raw, err := s.mailbox.pop(ctx)
		if err != nil {
			if errors.Is(err, errMailboxClosed) {
				s.logger.Debug("Mailbox closed, session loop exiting.")
			} else {
				s.logger.Info("Session context ended, loop exiting.", zap.Error(err))
			}
			return
		}
		s.process(ctx, raw)
		if s.stopped {
			return
		}
	}
}

// Close stops intake, lets the in-flight command finish and tears the browser
// down exactly once. Queued commands that have not started are discarded.
func (s *Session) Close() {
	s.mailbox.close(true)
	if !s.started.Load() {
		s.teardown(context.Background())
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.grace):
		s.logger.Warn("In-flight command did not finish in time, abandoning the wait.", zap.Duration("grace", s.grace))
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		s.browser.Shutdown(browser.Detach(ctx))
	})
}

func (s *Session) process(ctx context.Context, raw []byte) {
	cmd, err := DecodeCommand(raw)
	if err != nil {
		s.logger.Warn("Rejected inbound message.", zap.Error(err))
		observability.ObserveCommand("invalid", time.Now(), err)
		s.sendError(ctx, err.Error())
		return
	}

	started := time.Now()
	log := s.logger.With(zap.String("command", cmd.Name()))
	log.Debug("Processing command.")

	err = s.dispatch(ctx, cmd)
	observability.ObserveCommand(cmd.Name(), started, err)
	if err != nil {
		log.Warn("Command failed.", zap.Error(err))
		s.sendError(ctx, err.Error())
	}
}

func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	if s.record.Status == schemas.StatusError {
		return ErrSessionTerminal
	}
	if cmd.needsPage() {
		if err := s.ensureLaunched(ctx); err != nil {
			return err
		}
	}

	switch c := cmd.(type) {
	case InitCommand:
		return s.handleInit(ctx)
	case NavigationCommand:
		return s.handleNavigation(ctx, c)
	case CaptureCommand:
		return s.handleCapture(ctx, c)
	case ClickCommand:
		return s.handleInteraction(ctx, func(ctx context.Context) error { return s.browser.Click(ctx, c.X, c.Y) })
	case TypeCommand:
		return s.handleInteraction(ctx, func(ctx context.Context) error { return s.browser.TypeInto(ctx, c.Selector, c.Text) })
	case ValidationCheckCommand:
		return s.handleValidation(ctx)
	case StopCommand:
		return s.handleStop(ctx)
	case ReportCommand:
		return s.handleReport(ctx, c)
	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
}

// ensureLaunched starts the browser on first use. A failed launch is fatal:
// the session moves to error and the controller is torn down.
func (s *Session) ensureLaunched(ctx context.Context) error {
	if s.browser.Ready() {
		return nil
	}
	if err := s.browser.Launch(ctx, s.record.Engine, s.record.URL); err != nil {
		s.logger.Error("Browser launch failed, session is now in error state.", zap.Error(err))
		s.setStatus(ctx, schemas.StatusError)
		s.teardown(ctx)
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	if s.record.Status == schemas.StatusPending {
		s.setStatus(ctx, schemas.StatusActive)
	}
	return nil
}

// setStatus persists a transition. Persistence failures are reported to the
// client but the in-memory state still moves.
func (s *Session) setStatus(ctx context.Context, to schemas.SessionStatus) {
	from := s.record.Status
	if !from.CanTransition(to) {
		s.logger.Warn("Ignoring illegal status transition.", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	s.record.Status = to
	if err := s.repo.UpdateSessionStatus(ctx, s.id, to); err != nil {
		s.logger.Error("Failed to persist session status.", zap.String("status", string(to)), zap.Error(err))
		s.sendError(ctx, fmt.Sprintf("failed to persist session status: %v", err))
		return
	}
	s.logger.Info("Session status changed.", zap.String("from", string(from)), zap.String("to", string(to)))
}

// -- Handlers --

func (s *Session) handleInit(ctx context.Context) error {
	if err := s.ensureLaunched(ctx); err != nil {
		return err
	}

	shots, err := s.repo.CountScreenshots(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to count screenshots: %w", err)
	}
	batches, err := s.repo.CountEventBatches(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to count captures: %w", err)
	}
	valid, invalid, err := s.repo.CountVerdicts(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to count verdicts: %w", err)
	}

	current := s.record.URL
	if url, err := s.browser.CurrentURL(ctx); err == nil && url != "" {
		current = url
	}
	s.send(ctx, StatusMessage{
		Action:          OutStatus,
		CurrentURL:      current,
		ScreenshotCount: shots,
		DatalayerCount:  batches,
		ValidCount:      valid,
		InvalidCount:    invalid,
		SessionStatus:   s.record.Status,
	})

	s.captureScreenshot(ctx)
	return nil
}

func (s *Session) handleNavigation(ctx context.Context, c NavigationCommand) error {
	var err error
	switch c.Kind {
	case NavigateBack:
		err = s.browser.GoBack(ctx)
	case NavigateForward:
		err = s.browser.GoForward(ctx)
	case NavigateReload:
		err = s.browser.Reload(ctx)
	case NavigateGoto:
		err = s.browser.Goto(ctx, c.URL)
	}
	if err != nil {
		return err
	}

	url, err := s.browser.CurrentURL(ctx)
	if err != nil {
		s.logger.Debug("Could not read URL after navigation.", zap.Error(err))
	}
	s.send(ctx, URLChangedMessage{Action: OutURLChanged, URL: url})

	s.captureScreenshot(ctx)
	s.captureDatalayer(ctx, true)
	return nil
}

func (s *Session) handleCapture(ctx context.Context, c CaptureCommand) error {
	switch c.Kind {
	case CaptureScreenshot:
		s.captureScreenshot(ctx)
	case CaptureDatalayer:
		s.captureDatalayer(ctx, true)
	}
	return nil
}

func (s *Session) handleInteraction(ctx context.Context, act func(context.Context) error) error {
	if err := act(ctx); err != nil {
		return err
	}
	s.captureScreenshot(ctx)
	s.captureDatalayer(ctx, false)
	return nil
}

func (s *Session) handleValidation(ctx context.Context) error {
	valid, invalid, err := s.repo.CountVerdicts(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to count verdicts: %w", err)
	}
	total := valid + invalid
	s.send(ctx, ValidationMessage{
		Action:       OutValidation,
		ValidCount:   valid,
		InvalidCount: invalid,
		Total:        total,
		Message:      fmt.Sprintf("Current stats: %d valid, %d invalid (total %d).", valid, invalid, total),
	})
	return nil
}

func (s *Session) handleStop(ctx context.Context) error {
	s.setStatus(ctx, schemas.StatusCompleted)
	s.send(ctx, SessionMessage{
		Action:  OutSession,
		Status:  schemas.StatusCompleted,
		Message: "Session finished.",
	})
	s.stopped = true
	s.mailbox.close(true)
	s.teardown(ctx)
	s.sink.Close()
	return nil
}

func (s *Session) handleReport(ctx context.Context, c ReportCommand) error {
	r, err := s.reports.Generate(ctx, s.id, c.Options)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	s.send(ctx, ReportMessage{
		Action:    OutReport,
		Status:    "success",
		ReportID:  r.ID,
		ReportURL: r.ReportPath(),
		Message:   "Report generated.",
	})
	return nil
}

// -- Capture side effects --

// captureScreenshot reports failures to the client; a page that is not ready
// is skipped silently.
func (s *Session) captureScreenshot(ctx context.Context) {
	shot, err := s.pipeline.CaptureScreenshot(ctx)
	if err != nil {
		s.logger.Warn("Screenshot capture failed.", zap.Error(err))
		s.sendError(ctx, fmt.Sprintf("screenshot capture failed: %v", err))
		return
	}
	if shot == nil {
		return
	}
	s.send(ctx, ScreenshotMessage{Action: OutScreenshot, ImageURL: shot.ImagePath()})
}

// captureDatalayer reads, validates and stores the data layer. With surface
// unset failures are only logged.
func (s *Session) captureDatalayer(ctx context.Context, surface bool) {
	fail := func(msg string, err error) {
		s.logger.Warn(msg, zap.Error(err), zap.Bool("reported", surface))
		if surface {
			s.sendError(ctx, err.Error())
		}
	}

	snap, err := s.pipeline.CaptureEventLog(ctx)
	if err != nil {
		fail("Data layer capture failed.", err)
		return
	}
	if snap == nil {
		s.logger.Debug("Data layer empty or page not ready, nothing to record.")
		return
	}

	result := validator.Validate(snap.Data, s.reference)
	batch, err := s.pipeline.RecordEventBatch(ctx, snap, result)
	if err != nil {
		fail("Data layer could not be stored.", err)
		return
	}
	s.logger.Debug("Data layer captured.",
		zap.String("batch_id", batch.ID),
		zap.String("verdict", string(batch.Verdict)),
		zap.String("event", result.EventName),
	)
	s.send(ctx, datalayerMessage(batch))
}

// -- Outbound --

func (s *Session) send(ctx context.Context, msg any) {
	if err := s.sink.Send(ctx, msg); err != nil {
		s.logger.Debug("Dropping outbound message, client gone.", zap.Error(err))
	}
}

func (s *Session) sendError(ctx context.Context, text string) {
	s.send(ctx, NewErrorMessage(text))
}
