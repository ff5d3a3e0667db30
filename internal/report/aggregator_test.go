package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/mocks"
)

var (
	generatedAt = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	startedAt   = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
)

func newTestAggregator(t *testing.T, repo *mocks.MockRepository) *Aggregator {
	t.Helper()
	a := NewAggregator(repo, DefaultSuccessThreshold, zaptest.NewLogger(t))
	a.now = func() time.Time { return generatedAt }
	return a
}

func testSession() *schemas.Session {
	return &schemas.Session{
		ID:        "8d7b7c1e-2f7a-4a7e-bb0c-0a1b2c3d4e5f",
		URL:       "https://shop.example.com/",
		Engine:    schemas.EngineChromium,
		Reference: json.RawMessage(`[{"event":"view_item","event_category":"ecommerce"},{"event":"purchase","event_category":"ecommerce"}]`),
		Status:    schemas.StatusActive,
		CreatedAt: startedAt,
	}
}

func batches(verdicts ...schemas.Verdict) []schemas.EventBatch {
	out := make([]schemas.EventBatch, len(verdicts))
	for i, v := range verdicts {
		out[i] = schemas.EventBatch{
			ID:        "batch-" + string(rune('a'+i)),
			URL:       "https://shop.example.com/",
			Data:      []any{map[string]any{"event": "view_item"}},
			Verdict:   v,
			Errors:    []string{},
			CreatedAt: startedAt.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func repeat(v schemas.Verdict, n int) []schemas.Verdict {
	out := make([]schemas.Verdict, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSuccessPercent(t *testing.T) {
	cases := []struct {
		valid, invalid, want int
	}{
		{9, 1, 90},
		{8, 2, 80},
		{0, 0, 0},
		{1, 2, 33},
		{2, 1, 67},
		// 12.5 and 87.5 round to the even neighbour.
		{1, 7, 12},
		{7, 1, 88},
		{1, 0, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SuccessPercent(tc.valid, tc.invalid), "%d valid %d invalid", tc.valid, tc.invalid)
	}
}

func TestBuildOverallValidity(t *testing.T) {
	a := newTestAggregator(t, nil)

	cases := []struct {
		name     string
		verdicts []schemas.Verdict
		percent  int
		overall  bool
	}{
		{"nine of ten", append(repeat(schemas.VerdictValid, 9), schemas.VerdictInvalid), 90, true},
		{"eight of ten", append(repeat(schemas.VerdictValid, 8), repeat(schemas.VerdictInvalid, 2)...), 80, false},
		{"nothing judged", repeat(schemas.VerdictUnvalidated, 3), 0, false},
		{"nothing captured", nil, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := a.Build(testSession(), batches(tc.verdicts...), nil, DefaultOptions())
			assert.Equal(t, tc.percent, doc.Summary.SuccessPercent)
			assert.Equal(t, tc.overall, doc.Summary.IsValidOverall)
			assert.Equal(t, len(tc.verdicts), doc.Summary.TotalDatalayersCaptured)
		})
	}
}

func TestBuildDocument(t *testing.T) {
	a := newTestAggregator(t, nil)
	bs := batches(schemas.VerdictValid, schemas.VerdictInvalid, schemas.VerdictUnvalidated)
	bs[1].Errors = []string{"event_category expected ecommerce got footer"}
	bs[2].Data = []any{map[string]any{"gtm.start": json.Number("1")}}
	shots := []schemas.Screenshot{{ID: "shot-1", URL: "https://shop.example.com/", CreatedAt: startedAt}}

	doc := a.Build(testSession(), bs, shots, DefaultOptions())

	valid, invalid := true, false
	want := schemas.ReportDocument{
		Summary: schemas.ReportSummary{
			URL:                     "https://shop.example.com/",
			SessionID:               "8d7b7c1e-2f7a-4a7e-bb0c-0a1b2c3d4e5f",
			CreatedAt:               startedAt,
			ReportGeneratedAt:       generatedAt,
			TotalDatalayersCaptured: 3,
			ValidCount:              1,
			InvalidCount:            1,
			SuccessPercent:          50,
			IsValidOverall:          false,
		},
		Details: []schemas.ReportDetail{
			{Index: 1, URL: bs[0].URL, Timestamp: bs[0].CreatedAt, Data: bs[0].Data, Verdict: schemas.VerdictValid, IsValid: &valid, Errors: []string{}},
			{Index: 2, URL: bs[1].URL, Timestamp: bs[1].CreatedAt, Data: bs[1].Data, Verdict: schemas.VerdictInvalid, IsValid: &invalid, Errors: bs[1].Errors},
			{Index: 3, URL: bs[2].URL, Timestamp: bs[2].CreatedAt, Data: bs[2].Data, Verdict: schemas.VerdictUnvalidated, IsValid: nil, Errors: []string{}},
		},
		Screenshots: []schemas.ScreenshotEntry{
			{ID: "shot-1", URL: "https://shop.example.com/", Timestamp: startedAt, ImageURL: "/api/v1/screenshots/shot-1/image"},
		},
		ReferenceComparison: schemas.ReferenceComparison{ReferenceEventsCount: 2},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("report document mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWithoutRawData(t *testing.T) {
	a := newTestAggregator(t, nil)
	bs := batches(schemas.VerdictValid, schemas.VerdictUnvalidated)
	bs[1].Data = []any{map[string]any{"gtm.start": json.Number("1")}}

	doc := a.Build(testSession(), bs, nil, Options{IncludeRawData: false})

	assert.Equal(t, map[string]any{"event": "view_item"}, doc.Details[0].Data)
	assert.Equal(t, map[string]any{"event": "N/A"}, doc.Details[1].Data)
	assert.Empty(t, doc.Screenshots)

	// The placeholder counters are emitted as zeros, never omitted.
	raw, err := json.Marshal(doc.ReferenceComparison)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reference_events_count":2,"matched_events":0,"missing_events":0,"extra_events":0}`, string(raw))
}

func TestBuildUnparseableReference(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := NewAggregator(nil, DefaultSuccessThreshold, zap.New(core))
	session := testSession()
	session.Reference = json.RawMessage(`{"event":`)

	doc := a.Build(session, batches(schemas.VerdictUnvalidated), nil, DefaultOptions())

	assert.Equal(t, 0, doc.ReferenceComparison.ReferenceEventsCount)
	assert.Equal(t, 1, doc.Summary.TotalDatalayersCaptured)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, session.ID, logs.All()[0].ContextMap()["session_id"])
}

func TestGenerate(t *testing.T) {
	t.Run("loads captures and persists the report", func(t *testing.T) {
		repo := new(mocks.MockRepository)
		a := newTestAggregator(t, repo)
		s := testSession()

		repo.On("GetSession", mock.Anything, s.ID).Return(s, nil)
		repo.On("ListEventBatches", mock.Anything, s.ID).Return(batches(repeat(schemas.VerdictValid, 10)...), nil)
		repo.On("ListScreenshots", mock.Anything, s.ID).Return([]schemas.Screenshot{}, nil)
		repo.On("CreateReport", mock.Anything, mock.AnythingOfType("*schemas.Report")).
			Run(func(args mock.Arguments) { args.Get(1).(*schemas.Report).ID = "01HZY3J5Q8W2M6T0E4R7N9B1CD" }).
			Return(nil)

		r, err := a.Generate(context.Background(), s.ID, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, "Validation 8d7b7c1e-2f7a-4a7e-bb0c-0a1b2c3d4e5f - 2026-03-14", r.Title)
		assert.True(t, r.IsValid)
		assert.Equal(t, 100, r.Document.Summary.SuccessPercent)
		assert.Equal(t, "/api/v1/reports/01HZY3J5Q8W2M6T0E4R7N9B1CD", r.ReportPath())
		repo.AssertExpectations(t)
	})

	t.Run("custom title and no screenshots", func(t *testing.T) {
		repo := new(mocks.MockRepository)
		a := newTestAggregator(t, repo)
		s := testSession()
		title := "  Checkout funnel  "

		repo.On("GetSession", mock.Anything, s.ID).Return(s, nil)
		repo.On("ListEventBatches", mock.Anything, s.ID).Return([]schemas.EventBatch{}, nil)
		repo.On("CreateReport", mock.Anything, mock.MatchedBy(func(r *schemas.Report) bool {
			return r.Title == "Checkout funnel" && !r.IsValid
		})).Return(nil)

		_, err := a.Generate(context.Background(), s.ID, Options{Title: &title, IncludeRawData: true})
		require.NoError(t, err)
		repo.AssertNotCalled(t, "ListScreenshots", mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("load failure", func(t *testing.T) {
		repo := new(mocks.MockRepository)
		a := newTestAggregator(t, repo)

		repo.On("GetSession", mock.Anything, "missing").Return(nil, errors.New("record not found"))
		repo.On("ListEventBatches", mock.Anything, "missing").Return([]schemas.EventBatch{}, nil).Maybe()
		repo.On("ListScreenshots", mock.Anything, "missing").Return([]schemas.Screenshot{}, nil).Maybe()

		_, err := a.Generate(context.Background(), "missing", DefaultOptions())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load session")
		repo.AssertNotCalled(t, "CreateReport", mock.Anything, mock.Anything)
	})
}
