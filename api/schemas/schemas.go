package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// Engine identifies the browser engine a session is driven with.
type Engine string

const (
	EngineChromium Engine = "chromium"
	EngineFirefox  Engine = "firefox"
	EngineWebKit   Engine = "webkit"
)

// ParseEngine validates a user supplied engine name.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(s); e {
	case EngineChromium, EngineFirefox, EngineWebKit:
		return e, nil
	case "":
		return EngineChromium, nil
	default:
		return "", fmt.Errorf("unsupported browser engine: %q", s)
	}
}

func (e Engine) String() string { return string(e) }

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

func (s SessionStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next is a legal step.
// Re-entering the current state is allowed so callers can persist idempotently.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusError || next == StatusCompleted
	case StatusActive:
		return next == StatusCompleted || next == StatusError
	default:
		return false
	}
}

// Verdict is the validation outcome attached to a captured event batch.
type Verdict string

const (
	VerdictValid       Verdict = "valid"
	VerdictInvalid     Verdict = "invalid"
	VerdictUnvalidated Verdict = "unvalidated"
)

func (v Verdict) String() string { return string(v) }

// IsValid maps the verdict onto a nullable boolean. Unvalidated batches yield nil.
func (v Verdict) IsValid() *bool {
	var b bool
	switch v {
	case VerdictValid:
		b = true
	case VerdictInvalid:
		b = false
	default:
		return nil
	}
	return &b
}

// Session binds one browser instance, one reference set and every artifact captured during a run.
type Session struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Engine      Engine          `json:"browser_type"`
	Description string          `json:"description,omitempty"`
	Reference   json.RawMessage `json:"reference_datalayers,omitempty"`
	Status      SessionStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasReference reports whether a non-empty reference document was attached.
func (s *Session) HasReference() bool {
	if len(s.Reference) == 0 {
		return false
	}
	switch string(s.Reference) {
	case "null", "[]":
		return false
	}
	return true
}

// Screenshot is an immutable image captured from the live page.
type Screenshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	Image     []byte    `json:"-"`
	CreatedAt time.Time `json:"timestamp"`
}

// ImagePath is the HTTP path the image bytes are served from.
func (s *Screenshot) ImagePath() string {
	return "/api/v1/screenshots/" + s.ID + "/image"
}

// EventBatch is an immutable snapshot of the page's data layer plus its verdict.
type EventBatch struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	Data      []any     `json:"data"`
	Verdict   Verdict   `json:"verdict"`
	Errors    []string  `json:"errors"`
	CreatedAt time.Time `json:"timestamp"`
}

// Report is a persisted aggregate over one session's captures.
type Report struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Title     string         `json:"title"`
	IsValid   bool           `json:"is_valid"`
	Document  ReportDocument `json:"report_data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReportPath is the HTTP path the report document is served from.
func (r *Report) ReportPath() string {
	return "/api/v1/reports/" + r.ID
}

// ReportDocument is the contract handed to external renderers.
type ReportDocument struct {
	Summary             ReportSummary       `json:"summary"`
	Details             []ReportDetail      `json:"details"`
	Screenshots         []ScreenshotEntry   `json:"screenshots"`
	ReferenceComparison ReferenceComparison `json:"reference_comparison"`
}

type ReportSummary struct {
	URL                     string    `json:"url"`
	SessionID               string    `json:"session_id"`
	CreatedAt               time.Time `json:"created_at"`
	ReportGeneratedAt       time.Time `json:"report_generated_at"`
	TotalDatalayersCaptured int       `json:"total_datalayers_captured"`
	ValidCount              int       `json:"valid_count"`
	InvalidCount            int       `json:"invalid_count"`
	SuccessPercent          int       `json:"success_percent"`
	IsValidOverall          bool      `json:"is_valid_overall"`
}

type ReportDetail struct {
	Index     int       `json:"index"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Verdict   Verdict   `json:"verdict"`
	IsValid   *bool     `json:"is_valid"`
	Errors    []string  `json:"errors"`
}

type ScreenshotEntry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	ImageURL  string    `json:"image_url"`
}

// ReferenceComparison keeps the per-event counters as explicit zeros so the
// document shape stays stable for renderers.
type ReferenceComparison struct {
	ReferenceEventsCount int `json:"reference_events_count"`
	MatchedEvents        int `json:"matched_events"`
	MissingEvents        int `json:"missing_events"`
	ExtraEvents          int `json:"extra_events"`
}
