package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

// -- Test Helpers --

// decodeCapture decodes a data layer snapshot the same way the capture pipeline does.
func decodeCapture(t *testing.T, raw string) []any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out []any
	require.NoError(t, dec.Decode(&out))
	return out
}

func mustParse(t *testing.T, raw string) *Reference {
	t.Helper()
	ref, err := ParseReference([]byte(raw))
	require.NoError(t, err)
	return ref
}

// -- Test Cases --

func TestValidate_NoReference(t *testing.T) {
	capture := decodeCapture(t, `[{"event":"click","event_category":"nav"}]`)

	for _, ref := range []*Reference{nil, mustParse(t, ``), mustParse(t, `[]`)} {
		res := Validate(capture, ref)
		assert.Equal(t, schemas.VerdictUnvalidated, res.Verdict)
		assert.Equal(t, []string{ErrTextNoReference}, res.Errors)
	}
}

func TestValidate_NoNamedEvent(t *testing.T) {
	ref := mustParse(t, `[{"event":"click","event_category":"nav"}]`)
	capture := decodeCapture(t, `[{"gtm.start":1700000000},"js",["config","G-1"]]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictUnvalidated, res.Verdict, "a capture that cannot be checked is never invalid")
	assert.Equal(t, []string{ErrTextNoNamedEvent}, res.Errors)
}

func TestValidate_ExactMatch(t *testing.T) {
	ref := mustParse(t, `[{"event":"click","event_category":"nav"}]`)
	capture := decodeCapture(t, `[{"event":"click","event_category":"nav"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictValid, res.Verdict)
	assert.Empty(t, res.Errors)
	assert.NotNil(t, res.Errors, "errors serialize as an empty list, not null")
	assert.Equal(t, "click", res.EventName)
}

func TestValidate_FieldMismatch(t *testing.T) {
	ref := mustParse(t, `[{"event":"click","event_category":"nav"}]`)
	capture := decodeCapture(t, `[{"event":"click","event_category":"footer"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Contains(t, res.Errors, "event_category expected nav got footer")
}

func TestValidate_PlaceholderIsWildcard(t *testing.T) {
	ref := mustParse(t, `[{"event":"page_view","page_id":"{{page_id}}","event_category":"content"}]`)

	for _, value := range []string{`"home"`, `42`, `null`, `""`, `{"x":1}`} {
		capture := decodeCapture(t, `[{"event":"page_view","event_category":"content","page_id":`+value+`}]`)
		res := Validate(capture, ref)
		assert.Equal(t, schemas.VerdictValid, res.Verdict, "page_id=%s should not be compared", value)
	}

	// The placeholder is skipped even when the captured event lacks the field entirely.
	capture := decodeCapture(t, `[{"event":"page_view","event_category":"content"}]`)
	assert.Equal(t, schemas.VerdictValid, Validate(capture, ref).Verdict)
}

func TestValidate_NullAndEmptyAreNotEnforced(t *testing.T) {
	ref := mustParse(t, `[{"event":"login","user_type":null,"event_label":"","event_action":"submit"}]`)
	capture := decodeCapture(t, `[{"event":"login","event_action":"submit"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictValid, res.Verdict)
}

func TestValidate_MissingProperty(t *testing.T) {
	ref := mustParse(t, `[{"event":"login","event_action":"submit","event_label":"header"}]`)
	capture := decodeCapture(t, `[{"event":"login","event_action":"submit"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Equal(t, []string{"missing required property event_label"}, res.Errors)
}

func TestValidate_NoReferenceEventWithName(t *testing.T) {
	ref := mustParse(t, `[{"event":"click","event_category":"nav"}]`)
	capture := decodeCapture(t, `[{"event":"scroll","percent":50}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Equal(t, []string{"no reference event named scroll"}, res.Errors)
}

func TestValidate_UsesOnlyLastNamedEvent(t *testing.T) {
	ref := mustParse(t, `[{"event":"click","event_category":"nav"}]`)
	// The earlier matching push is ignored; only the latest named push is judged.
	capture := decodeCapture(t, `[{"event":"click","event_category":"nav"},{"event":"click","event_category":"footer"},{"gtm.dom":true}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Equal(t, "footer", res.Event["event_category"])
}

func TestLastNamedEvent(t *testing.T) {
	capture := []any{
		map[string]any{"event": "page_view"},
		map[string]any{"event": "click", "event_category": "nav"},
		map[string]any{"gtm.uniqueEventId": json.Number("12")},
		"not-an-object",
	}
	event, ok := LastNamedEvent(capture)
	require.True(t, ok)
	assert.Equal(t, "click", event["event"])
	assert.Equal(t, "nav", event["event_category"])

	_, ok = LastNamedEvent([]any{map[string]any{"foo": "bar"}})
	assert.False(t, ok)
	_, ok = LastNamedEvent(nil)
	assert.False(t, ok)
}

func TestValidate_FirstCleanCandidateWins(t *testing.T) {
	ref := mustParse(t, `[
		{"event":"click","event_category":"nav","event_label":"home"},
		{"event":"click","event_category":"nav","event_label":"about"}
	]`)
	capture := decodeCapture(t, `[{"event":"click","event_category":"nav","event_label":"about"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictValid, res.Verdict)
	assert.Empty(t, res.Errors)
}

func TestValidate_ErrorsComeFromLastAttemptedCandidate(t *testing.T) {
	ref := mustParse(t, `[
		{"event":"click","event_category":"nav","event_label":"home"},
		{"event":"click","event_category":"footer","event_label":"about"}
	]`)
	// Closer to the first candidate, but the last attempted one determines the errors.
	capture := decodeCapture(t, `[{"event":"click","event_category":"nav","event_label":"contact"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Equal(t, []string{
		"event_category expected footer got nav",
		"event_label expected about got contact",
	}, res.Errors)
}

func TestValidate_StringFormComparison(t *testing.T) {
	ref := mustParse(t, `[{"event":"purchase","value":"100","items":2,"coupon":true}]`)
	capture := decodeCapture(t, `[{"event":"purchase","value":100,"items":"2","coupon":"true"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, schemas.VerdictValid, res.Verdict, "values are compared by their string form: %v", res.Errors)

	capture = decodeCapture(t, `[{"event":"purchase","value":100.0,"items":2,"coupon":true}]`)
	res = Validate(capture, ref)
	assert.Equal(t, schemas.VerdictInvalid, res.Verdict)
	assert.Equal(t, []string{"value expected 100 got 100.0"}, res.Errors)
}

func TestValidate_ErrorOrderFollowsReferenceDocument(t *testing.T) {
	ref := mustParse(t, `[{"event":"x","zeta":"1","alpha":"2","mid":"3"}]`)
	capture := decodeCapture(t, `[{"event":"x"}]`)

	res := Validate(capture, ref)
	assert.Equal(t, []string{
		"missing required property zeta",
		"missing required property alpha",
		"missing required property mid",
	}, res.Errors)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder("{{page_id}}"))
	assert.True(t, IsPlaceholder("prefix-{{var}}-suffix"))
	assert.False(t, IsPlaceholder("}}reversed{{"))
	assert.False(t, IsPlaceholder("{single}"))
	assert.False(t, IsPlaceholder("plain"))
}

func TestParseReference(t *testing.T) {
	t.Run("rejects non array documents", func(t *testing.T) {
		_, err := ParseReference([]byte(`{"event":"click"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a JSON array, got object")
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParseReference([]byte(`[{"event":`))
		assert.Error(t, err)
	})

	t.Run("skips non object entries and keeps field order", func(t *testing.T) {
		ref := mustParse(t, `["noise", {"event":"click","b":1,"a":{"nested":[1,2]}}, 3]`)
		require.Equal(t, 1, ref.Len())
		entry := ref.Entries()[0]
		assert.True(t, entry.Named)
		assert.Equal(t, "click", entry.Name)
		require.Len(t, entry.Fields, 3)
		assert.Equal(t, "event", entry.Fields[0].Key)
		assert.Equal(t, "b", entry.Fields[1].Key)
		assert.Equal(t, json.Number("1"), entry.Fields[1].Value)
		assert.Equal(t, "a", entry.Fields[2].Key)
		assert.Equal(t, map[string]any{"nested": []any{json.Number("1"), json.Number("2")}}, entry.Fields[2].Value)
	})
}

func TestValidateReferenceDocument(t *testing.T) {
	valid := `[{"event":"click","event_category":"nav","event_action":"tap","event_label":"home","user_type":null,"extra":1}]`
	assert.NoError(t, ValidateReferenceDocument([]byte(valid)))

	testCases := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"empty", ``, "reference document is empty"},
		{"not json", `[{`, "not valid JSON"},
		{"not array", `{"event":"x"}`, "must be a JSON array"},
		{"item not object", `["x"]`, "item 0: must be an object"},
		{"missing field", `[{"event":"click","event_category":"nav","event_action":"tap"}]`, `item 0: field "event_label" is required`},
		{"wrong type", `[{"event":"click","event_category":1,"event_action":"tap","event_label":"x"}]`, `item 0: field "event_category" must be a string`},
		{"bad user type", `[{"event":"click","event_category":"a","event_action":"b","event_label":"c","user_type":5}]`, `field "user_type" must be a string or null`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateReferenceDocument([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}

	t.Run("reports every offending item", func(t *testing.T) {
		err := ValidateReferenceDocument([]byte(`[{"event":"a"},{"event":"b"}]`))
		require.Error(t, err)
		var refErr *ReferenceError
		require.True(t, errors.As(err, &refErr))
		assert.Contains(t, err.Error(), "item 0:")
		assert.Contains(t, err.Error(), "item 1:")
	})
}

// FuzzValidate_Robustness checks that arbitrary documents never panic the
// validator and that the verdict/error invariants always hold.
func FuzzValidate_Robustness(f *testing.F) {
	f.Add(`[{"event":"click","event_category":"nav"}]`, `[{"event":"click","event_category":"nav"}]`)
	f.Add(`[{"event":"click","event_category":"{{x}}"}]`, `[{"event":"click"}]`)
	f.Add(`[]`, `[{"event":null}]`)
	f.Add(`[{"event":"a"}]`, `["a", 1, null, {"b":2}]`)
	f.Add(`not json`, `[{"event":"a"}]`)

	f.Fuzz(func(t *testing.T, refDoc, captureDoc string) {
		ref, err := ParseReference([]byte(refDoc))
		if err != nil {
			return
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(captureDoc)))
		dec.UseNumber()
		var capture []any
		if err := dec.Decode(&capture); err != nil {
			return
		}

		res := Validate(capture, ref)
		switch res.Verdict {
		case schemas.VerdictValid:
			if len(res.Errors) != 0 {
				t.Fatalf("valid verdict carried errors: %v", res.Errors)
			}
		case schemas.VerdictUnvalidated:
			if len(res.Errors) != 1 || (res.Errors[0] != ErrTextNoReference && res.Errors[0] != ErrTextNoNamedEvent) {
				t.Fatalf("unvalidated verdict with unexpected errors: %v", res.Errors)
			}
		case schemas.VerdictInvalid:
			if len(res.Errors) == 0 {
				t.Fatal("invalid verdict without errors")
			}
		default:
			t.Fatalf("unknown verdict %q", res.Verdict)
		}
		if ref.Len() == 0 && res.Verdict != schemas.VerdictUnvalidated {
			t.Fatalf("verdict %q without reference data", res.Verdict)
		}
	})
}
