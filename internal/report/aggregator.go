// Package report aggregates the captures of a session into a report document.
package report

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

// DefaultSuccessThreshold is the success percentage a session needs to be
// reported valid overall.
const DefaultSuccessThreshold = 90

const noEventName = "N/A"

// Store is the read and append surface the aggregator needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*schemas.Session, error)
	ListEventBatches(ctx context.Context, sessionID string) ([]schemas.EventBatch, error)
	ListScreenshots(ctx context.Context, sessionID string) ([]schemas.Screenshot, error)
	CreateReport(ctx context.Context, r *schemas.Report) error
}

// Options controls what goes into a report. The zero value omits screenshots
// and raw data; use DefaultOptions for the usual report.
type Options struct {
	Title              *string
	IncludeScreenshots bool
	IncludeRawData     bool
}

func DefaultOptions() Options {
	return Options{IncludeScreenshots: true, IncludeRawData: true}
}

// Aggregator builds and persists reports.
type Aggregator struct {
	store     Store
	threshold int
	logger    *zap.Logger
	now       func() time.Time
}

func NewAggregator(store Store, threshold int, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:     store,
		threshold: threshold,
		logger:    logger.Named("report"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate loads every capture of sessionID, summarizes it and stores the
// result as a new report.
func (a *Aggregator) Generate(ctx context.Context, sessionID string, opts Options) (*schemas.Report, error) {
	var (
		session     *schemas.Session
		batches     []schemas.EventBatch
		screenshots []schemas.Screenshot
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		session, err = a.store.GetSession(gctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		batches, err = a.store.ListEventBatches(gctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load event batches: %w", err)
		}
		return nil
	})
	if opts.IncludeScreenshots {
		g.Go(func() error {
			var err error
			screenshots, err = a.store.ListScreenshots(gctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to load screenshots: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc := a.Build(session, batches, screenshots, opts)

	report := &schemas.Report{
		SessionID: sessionID,
		Title:     a.title(session.ID, opts.Title),
		IsValid:   doc.Summary.IsValidOverall,
		Document:  doc,
	}
	if err := a.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to persist report: %w", err)
	}

	a.logger.Info("Report generated.",
		zap.String("session_id", sessionID),
		zap.String("report_id", report.ID),
		zap.Int("batches", len(batches)),
		zap.Int("success_percent", doc.Summary.SuccessPercent),
	)
	return report, nil
}

// Build assembles the report document from already loaded captures. Batches
// and screenshots must be in creation order. A reference that cannot be
// parsed counts as empty.
func (a *Aggregator) Build(session *schemas.Session, batches []schemas.EventBatch, screenshots []schemas.Screenshot, opts Options) schemas.ReportDocument {
	ref, err := validator.ParseReference(session.Reference)
	if err != nil {
		a.logger.Warn("Reference document could not be parsed, reporting it as empty.",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	valid, invalid := 0, 0
	details := make([]schemas.ReportDetail, 0, len(batches))
	for i := range batches {
		b := &batches[i]
		switch b.Verdict {
		case schemas.VerdictValid:
			valid++
		case schemas.VerdictInvalid:
			invalid++
		}

		var data any = b.Data
		if !opts.IncludeRawData {
			name := noEventName
			if event, ok := validator.LastNamedEvent(b.Data); ok {
				name = schemas.Stringify(event["event"])
			}
			data = map[string]any{"event": name}
		}
		errs := b.Errors
		if errs == nil {
			errs = []string{}
		}
		details = append(details, schemas.ReportDetail{
			Index:     i + 1,
			URL:       b.URL,
			Timestamp: b.CreatedAt,
			Data:      data,
			Verdict:   b.Verdict,
			IsValid:   b.Verdict.IsValid(),
			Errors:    errs,
		})
	}

	shots := make([]schemas.ScreenshotEntry, 0, len(screenshots))
	if opts.IncludeScreenshots {
		for i := range screenshots {
			s := &screenshots[i]
			shots = append(shots, schemas.ScreenshotEntry{
				ID:        s.ID,
				URL:       s.URL,
				Timestamp: s.CreatedAt,
				ImageURL:  s.ImagePath(),
			})
		}
	}

	percent := SuccessPercent(valid, invalid)
	return schemas.ReportDocument{
		Summary: schemas.ReportSummary{
			URL:                     session.URL,
			SessionID:               session.ID,
			CreatedAt:               session.CreatedAt,
			ReportGeneratedAt:       a.now(),
			TotalDatalayersCaptured: len(batches),
			ValidCount:              valid,
			InvalidCount:            invalid,
			SuccessPercent:          percent,
			IsValidOverall:          percent >= a.threshold,
		},
		Details:     details,
		Screenshots: shots,
		ReferenceComparison: schemas.ReferenceComparison{
			ReferenceEventsCount: ref.Len(),
		},
	}
}

// SuccessPercent is 100*valid/(valid+invalid) rounded half to even, or 0
// when nothing was judged.
func SuccessPercent(valid, invalid int) int {
	total := valid + invalid
	if total == 0 {
		return 0
	}
	return int(math.RoundToEven(100 * float64(valid) / float64(total)))
}

func (a *Aggregator) title(sessionID string, custom *string) string {
	if custom != nil {
		if t := strings.TrimSpace(*custom); t != "" {
			return t
		}
	}
	return fmt.Sprintf("Validation %s - %s", sessionID, a.now().Format("2006-01-02"))
}
