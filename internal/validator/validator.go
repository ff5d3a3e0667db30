// Package validator checks captured data layer snapshots against a session's
// reference event set.
//
// Each capture is judged only by its most recent named event. The captured
// event is compared field by field with every reference entry sharing its
// name; the first entry without mismatches wins. When none match cleanly the
// mismatches of the last entry attempted are reported.
package validator

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

const (
	ErrTextNoReference  = "no reference data"
	ErrTextNoNamedEvent = "no named event found in capture"
)

// Result is the outcome of validating one capture.
type Result struct {
	Verdict schemas.Verdict
	Errors  []string
	// EventName and Event describe the last named event of the capture, when one exists.
	EventName string
	Event     map[string]any
}

// Validate judges a captured data layer sequence against ref.
func Validate(captured []any, ref *Reference) Result {
	if ref.Len() == 0 {
		return Result{Verdict: schemas.VerdictUnvalidated, Errors: []string{ErrTextNoReference}}
	}

	event, ok := LastNamedEvent(captured)
	if !ok {
		return Result{Verdict: schemas.VerdictUnvalidated, Errors: []string{ErrTextNoNamedEvent}}
	}
	name := schemas.Stringify(event["event"])
	res := Result{EventName: name, Event: event}

	candidates := ref.Named(name)
	if len(candidates) == 0 {
		res.Verdict = schemas.VerdictInvalid
		res.Errors = []string{fmt.Sprintf("no reference event named %s", name)}
		return res
	}

	var lastErrs []string
	for _, candidate := range candidates {
		mismatches := compare(candidate, event)
		if len(mismatches) == 0 {
			res.Verdict = schemas.VerdictValid
			res.Errors = []string{}
			return res
		}
		// Only the last attempted entry's mismatches are kept.
		lastErrs = mismatches
	}

	res.Verdict = schemas.VerdictInvalid
	res.Errors = lastErrs
	return res
}

// LastNamedEvent scans backwards for the last object carrying an "event" key.
func LastNamedEvent(captured []any) (map[string]any, bool) {
	for i := len(captured) - 1; i >= 0; i-- {
		obj, ok := captured[i].(map[string]any)
		if !ok {
			continue
		}
		if _, named := obj["event"]; named {
			return obj, true
		}
	}
	return nil, false
}

// compare returns the mismatches between a reference entry and a captured event.
func compare(entry Entry, event map[string]any) []string {
	var mismatches []string
	for _, f := range entry.Fields {
		if f.Key == "event" || notEnforced(f.Value) {
			continue
		}
		got, present := event[f.Key]
		if !present {
			mismatches = append(mismatches, fmt.Sprintf("missing required property %s", f.Key))
			continue
		}
		want := schemas.Stringify(f.Value)
		have := schemas.Stringify(got)
		if want != have {
			mismatches = append(mismatches, fmt.Sprintf("%s expected %s got %s", f.Key, want, have))
		}
	}
	return mismatches
}

// notEnforced reports whether a reference value should be skipped: null,
// empty strings and templating placeholders are never compared.
func notEnforced(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return s == "" || IsPlaceholder(s)
}

// IsPlaceholder reports whether s holds a {{...}} templating variable.
func IsPlaceholder(s string) bool {
	open := strings.Index(s, "{{")
	if open < 0 {
		return false
	}
	return strings.Contains(s[open+2:], "}}")
}
