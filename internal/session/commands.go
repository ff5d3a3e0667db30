package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/datalayer-validator/internal/report"
)

// Action is the discriminator of an inbound message.
type Action string

const (
	ActionInit        Action = "init"
	ActionNavigation  Action = "navigation"
	ActionCapture     Action = "capture"
	ActionInteraction Action = "interaction"
	ActionValidation  Action = "validation"
	ActionSession     Action = "session"
	ActionReport      Action = "report"
)

// ErrMalformedMessage is returned for payloads that are not a JSON object or
// that lack a field their command requires.
var ErrMalformedMessage = errors.New("malformed message")

// UnknownActionError is returned for an action the session does not handle.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Action)
}

// UnknownCommandError is returned for a command the action does not handle.
type UnknownCommandError struct {
	Action  Action
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown %s command: %s", e.Action, e.Command)
}

// Command is one decoded inbound message. The concrete types below are the
// complete set.
type Command interface {
	// Name identifies the command in logs and metrics, e.g. "navigation.goto".
	Name() string
	// needsPage reports whether the command launches the browser on demand.
	needsPage() bool
}

type InitCommand struct{}

// NavigationKind is the navigation variant.
type NavigationKind string

const (
	NavigateBack    NavigationKind = "back"
	NavigateForward NavigationKind = "forward"
	NavigateReload  NavigationKind = "reload"
	NavigateGoto    NavigationKind = "goto"
)

type NavigationCommand struct {
	Kind NavigationKind
	// URL is set for NavigateGoto only.
	URL string
}

// CaptureKind is the capture variant.
type CaptureKind string

const (
	CaptureScreenshot CaptureKind = "screenshot"
	CaptureDatalayer  CaptureKind = "datalayer"
)

type CaptureCommand struct {
	Kind CaptureKind
}

// ClickCommand clicks at fractional viewport coordinates.
type ClickCommand struct {
	X, Y float64
}

type TypeCommand struct {
	Selector string
	Text     string
}

type ValidationCheckCommand struct{}

type StopCommand struct{}

type ReportCommand struct {
	Options report.Options
}

func (InitCommand) Name() string { return string(ActionInit) }
func (c NavigationCommand) Name() string { return string(ActionNavigation) + "." + string(c.Kind) }
func (c CaptureCommand) Name() string { return string(ActionCapture) + "." + string(c.Kind) }
func (ClickCommand) Name() string { return string(ActionInteraction) + ".click" }
func (TypeCommand) Name() string { return string(ActionInteraction) + ".type" }
func (ValidationCheckCommand) Name() string { return string(ActionValidation) + ".check" }
func (StopCommand) Name() string { return string(ActionSession) + ".stop" }
func (ReportCommand) Name() string { return string(ActionReport) + ".generate" }
func (InitCommand) needsPage() bool { return false }
func (NavigationCommand) needsPage() bool { return true }
func (CaptureCommand) needsPage() bool { return true }
func (ClickCommand) needsPage() bool { return true }
func (TypeCommand) needsPage() bool { return true }
func (ValidationCheckCommand) needsPage() bool { return false }
func (StopCommand) needsPage() bool { return false }
func (ReportCommand) needsPage() bool { return false }

// envelope carries every payload field any command reads.
type envelope struct {
	Command  string          `json:"command"`
	URL      string          `json:"url"`
	X        *float64        `json:"x"`
	Y        *float64        `json:"y"`
	Selector string          `json:"selector"`
	Text     string          `json:"text"`
	Options  json.RawMessage `json:"options"`
}

type reportOptions struct {
	Title              *string `json:"title"`
	IncludeScreenshots *bool   `json:"include_screenshots"`
	IncludeRawData     *bool   `json:"include_raw_data"`
}

// DecodeCommand parses one inbound message. The action is read first; the
// payload is then decoded into the typed command for that action. This is the
// only place unknown action and unknown command errors are produced.
func DecodeCommand(raw []byte) (Command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedMessage)
	}
	action := root.Get("action")
	if !action.Exists() || action.Type != gjson.String || action.Str == "" {
		return nil, fmt.Errorf("%w: action not specified", ErrMalformedMessage)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch a := Action(action.Str); a {
	case ActionInit:
		return InitCommand{}, nil

	case ActionNavigation:
		switch kind := NavigationKind(env.Command); kind {
		case NavigateBack, NavigateForward, NavigateReload:
			return NavigationCommand{Kind: kind}, nil
		case NavigateGoto:
			if env.URL == "" {
				return nil, fmt.Errorf("%w: goto requires a url", ErrMalformedMessage)
			}
			return NavigationCommand{Kind: kind, URL: env.URL}, nil
		}

	case ActionCapture:
		switch kind := CaptureKind(env.Command); kind {
		case CaptureScreenshot, CaptureDatalayer:
			return CaptureCommand{Kind: kind}, nil
		}

	case ActionInteraction:
		switch env.Command {
		case "click":
			if env.X == nil || env.Y == nil {
				return nil, fmt.Errorf("%w: click requires x and y", ErrMalformedMessage)
			}
			return ClickCommand{X: *env.X, Y: *env.Y}, nil
		case "type":
			if env.Selector == "" {
				return nil, fmt.Errorf("%w: type requires a selector", ErrMalformedMessage)
			}
			return TypeCommand{Selector: env.Selector, Text: env.Text}, nil
		}

	case ActionValidation:
		if env.Command == "check" {
			return ValidationCheckCommand{}, nil
		}

	case ActionSession:
		if env.Command == "stop" {
			return StopCommand{}, nil
		}

	case ActionReport:
		if env.Command == "generate" {
			opts, err := decodeReportOptions(env.Options)
			if err != nil {
				return nil, err
			}
			return ReportCommand{Options: opts}, nil
		}

	default:
		return nil, &UnknownActionError{Action: action.Str}
	}

	return nil, &UnknownCommandError{Action: Action(action.Str), Command: env.Command}
}

// decodeReportOptions applies the defaults: screenshots and raw data are
// included unless explicitly turned off.
func decodeReportOptions(raw json.RawMessage) (report.Options, error) {
	opts := report.DefaultOptions()
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	var ro reportOptions
	if err := json.Unmarshal(raw, &ro); err != nil {
		return opts, fmt.Errorf("%w: report options: %v", ErrMalformedMessage, err)
	}
	opts.Title = ro.Title
	if ro.IncludeScreenshots != nil {
		opts.IncludeScreenshots = *ro.IncludeScreenshots
	}
	if ro.IncludeRawData != nil {
		opts.IncludeRawData = *ro.IncludeRawData
	}
	return opts, nil
}
