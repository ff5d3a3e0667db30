package session

import (
	"time"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

// Outbound message actions.
const (
	OutStatus     = "status"
	OutURLChanged = "url_changed"
	OutScreenshot = "screenshot"
	OutDatalayer  = "datalayer"
	OutValidation = "validation"
	OutSession    = "session"
	OutReport     = "report"
	OutError      = "error"
)

// defaultEventName labels a capture whose entries carry no event name.
const defaultEventName = "dataLayer Event"

// ConnectedMessage is sent once the socket is bound to a session.
type ConnectedMessage struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// StatusMessage is the snapshot sent in reply to init.
type StatusMessage struct {
	Action          string                `json:"action"`
	CurrentURL      string                `json:"current_url"`
	ScreenshotCount int                   `json:"screenshot_count"`
	DatalayerCount  int                   `json:"datalayer_count"`
	ValidCount      int                   `json:"valid_count"`
	InvalidCount    int                   `json:"invalid_count"`
	SessionStatus   schemas.SessionStatus `json:"session_status"`
}

type URLChangedMessage struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

type ScreenshotMessage struct {
	Action   string `json:"action"`
	ImageURL string `json:"image_url"`
}

// DatalayerMessage reports one captured and validated event batch. Data is
// the last named event, or the last entry when none is named. Valid is null
// for unvalidated batches.
type DatalayerMessage struct {
	Action        string    `json:"action"`
	Data          any       `json:"data"`
	FullDatalayer []any     `json:"full_datalayer"`
	Valid         *bool     `json:"valid"`
	Errors        []string  `json:"errors"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Event         string    `json:"event"`
}

type ValidationMessage struct {
	Action       string `json:"action"`
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
	Total        int    `json:"total"`
	Message      string `json:"message"`
}

type SessionMessage struct {
	Action  string                `json:"action"`
	Status  schemas.SessionStatus `json:"status"`
	Message string                `json:"message"`
}

type ReportMessage struct {
	Action    string `json:"action"`
	Status    string `json:"status"`
	ReportID  string `json:"report_id"`
	ReportURL string `json:"report_url"`
	Message   string `json:"message"`
}

type ErrorMessage struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// NewConnectedMessage is the greeting sent when a socket attaches.
func NewConnectedMessage() ConnectedMessage {
	return ConnectedMessage{Action: OutStatus, Message: "connection established"}
}

// NewErrorMessage wraps msg in an error message.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Action: OutError, Message: msg}
}

func datalayerMessage(batch *schemas.EventBatch) DatalayerMessage {
	msg := DatalayerMessage{
		Action:        OutDatalayer,
		FullDatalayer: batch.Data,
		Valid:         batch.Verdict.IsValid(),
		Errors:        batch.Errors,
		ID:            batch.ID,
		Timestamp:     batch.CreatedAt,
		Event:         defaultEventName,
	}
	if event, ok := validator.LastNamedEvent(batch.Data); ok {
		msg.Data = event
		msg.Event = schemas.Stringify(event["event"])
		return msg
	}
	if n := len(batch.Data); n > 0 {
		msg.Data = batch.Data[n-1]
	}
	return msg
}
