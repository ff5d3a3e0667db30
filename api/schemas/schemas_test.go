package schemas_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// -- Test Cases --

func TestParseEngine(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in      string
		want    schemas.Engine
		wantErr bool
	}{
		{"chromium", schemas.EngineChromium, false},
		{"firefox", schemas.EngineFirefox, false},
		{"webkit", schemas.EngineWebKit, false},
		{"", schemas.EngineChromium, false},
		{"opera", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := schemas.ParseEngine(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, schemas.StatusPending.CanTransition(schemas.StatusActive))
	assert.True(t, schemas.StatusPending.CanTransition(schemas.StatusError))
	assert.True(t, schemas.StatusActive.CanTransition(schemas.StatusCompleted))
	assert.True(t, schemas.StatusActive.CanTransition(schemas.StatusError))
	assert.True(t, schemas.StatusActive.CanTransition(schemas.StatusActive), "re-entering a state is a no-op")

	assert.False(t, schemas.StatusCompleted.CanTransition(schemas.StatusActive))
	assert.False(t, schemas.StatusError.CanTransition(schemas.StatusActive))
	assert.False(t, schemas.StatusActive.CanTransition(schemas.StatusPending))

	assert.True(t, schemas.StatusError.Terminal())
	assert.True(t, schemas.StatusCompleted.Terminal())
	assert.False(t, schemas.StatusActive.Terminal())
}

func TestVerdictIsValid(t *testing.T) {
	t.Parallel()

	valid := schemas.VerdictValid.IsValid()
	require.NotNil(t, valid)
	assert.True(t, *valid)

	invalid := schemas.VerdictInvalid.IsValid()
	require.NotNil(t, invalid)
	assert.False(t, *invalid)

	assert.Nil(t, schemas.VerdictUnvalidated.IsValid(), "unvalidated must never collapse to false")
}

func TestSessionHasReference(t *testing.T) {
	t.Parallel()

	s := schemas.Session{}
	assert.False(t, s.HasReference())
	s.Reference = json.RawMessage("[]")
	assert.False(t, s.HasReference())
	s.Reference = json.RawMessage("null")
	assert.False(t, s.HasReference())
	s.Reference = json.RawMessage(`[{"event":"click"}]`)
	assert.True(t, s.HasReference())
}

func TestStringify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nav", schemas.Stringify("nav"))
	assert.Equal(t, "1.50", schemas.Stringify(json.Number("1.50")))
	assert.Equal(t, "2.5", schemas.Stringify(2.5))
	assert.Equal(t, "true", schemas.Stringify(true))
	assert.Equal(t, "null", schemas.Stringify(nil))
	assert.Equal(t, `{"a":1}`, schemas.Stringify(map[string]any{"a": json.Number("1")}))
	assert.Equal(t, `["x"]`, schemas.Stringify([]any{"x"}))
}

func TestReportJSONShape(t *testing.T) {
	t.Parallel()
	ts := getTestTime(t)

	r := schemas.Report{
		ID:        "01J0000000000000000000000",
		SessionID: "sess",
		Title:     "t",
		Document: schemas.ReportDocument{
			Summary:             schemas.ReportSummary{SessionID: "sess", ReportGeneratedAt: ts},
			ReferenceComparison: schemas.ReferenceComparison{ReferenceEventsCount: 3},
		},
		CreatedAt: ts,
	}
	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	doc := decoded["report_data"].(map[string]any)
	comparison := doc["reference_comparison"].(map[string]any)

	// Placeholder counters are always present, even when zero.
	for _, key := range []string{"matched_events", "missing_events", "extra_events"} {
		v, ok := comparison[key]
		assert.True(t, ok, "missing key %s", key)
		assert.EqualValues(t, 0, v)
	}
	assert.EqualValues(t, 3, comparison["reference_events_count"])
	assert.Equal(t, "/api/v1/reports/01J0000000000000000000000", r.ReportPath())
}

func TestScreenshotImagePath(t *testing.T) {
	t.Parallel()
	s := schemas.Screenshot{ID: "abc"}
	assert.Equal(t, "/api/v1/screenshots/abc/image", s.ImagePath())
}
