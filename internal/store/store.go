package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
)

// PageSize is the number of rows returned per page by the list operations.
const PageSize = 10

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("record not found")

// Repository is the persistence collaborator of the session orchestrator.
// Artifacts are append only: there are no update or delete operations for
// screenshots, event batches or reports.
type Repository interface {
	CreateSession(ctx context.Context, s *schemas.Session) error
	GetSession(ctx context.Context, id string) (*schemas.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]schemas.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status schemas.SessionStatus) error

	CreateScreenshot(ctx context.Context, s *schemas.Screenshot) error
	GetScreenshot(ctx context.Context, id string) (*schemas.Screenshot, error)
	ListScreenshots(ctx context.Context, sessionID string) ([]schemas.Screenshot, error)
	CountScreenshots(ctx context.Context, sessionID string) (int, error)

	CreateEventBatch(ctx context.Context, b *schemas.EventBatch) error
	ListEventBatches(ctx context.Context, sessionID string) ([]schemas.EventBatch, error)
	CountEventBatches(ctx context.Context, sessionID string) (int, error)
	CountVerdicts(ctx context.Context, sessionID string) (valid int, invalid int, err error)

	CreateReport(ctx context.Context, r *schemas.Report) error
	GetReport(ctx context.Context, id string) (*schemas.Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]schemas.Report, error)

	Close()
}

// SessionFilter narrows ListSessions. Page is 1-based; zero means the first page.
type SessionFilter struct {
	Status schemas.SessionStatus
	// Search matches url or description, case-insensitively.
	Search string
	Page   int
}

// ReportFilter narrows ListReports.
type ReportFilter struct {
	// Validity is "valid", "invalid" or empty for all reports.
	Validity string
	// Search matches the report title or the session url, case-insensitively.
	Search string
	Page   int
}

func limitOffset(page int) (int, int) {
	if page < 1 {
		page = 1
	}
	return PageSize, (page - 1) * PageSize
}

func likePattern(search string) string {
	return "%" + strings.ToLower(strings.TrimSpace(search)) + "%"
}

// Open selects the configured backend.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		return Connect(ctx, cfg, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// -- record preparation shared by both backends --

func prepareSession(s *schemas.Session) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = schemas.StatusPending
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
}

func prepareArtifact(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = ulid.Make().String()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now()
	}
	*createdAt = createdAt.UTC()
}

// nullableJSON maps an absent reference document onto SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return []byte(raw)
}

func encodeEvents(data []any) ([]byte, error) {
	if data == nil {
		data = []any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return b, nil
}

func encodeErrors(errs []string) ([]byte, error) {
	if errs == nil {
		errs = []string{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation errors: %w", err)
	}
	return b, nil
}

// decodeEvents keeps numbers in their textual form so values compare the same
// after a round trip through storage.
func decodeEvents(raw []byte) ([]any, error) {
	if len(raw) == 0 {
		return []any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode event data: %w", err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func decodeErrors(raw []byte) ([]string, error) {
	out := []string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode validation errors: %w", err)
	}
	return out, nil
}

func decodeReportDocument(raw []byte) (schemas.ReportDocument, error) {
	var doc schemas.ReportDocument
	if len(raw) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return doc, fmt.Errorf("failed to decode report document: %w", err)
	}
	return doc, nil
}
