// Package mocks holds testify mocks shared by the package tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
)

// -- Repository Mock --

// MockRepository mocks store.Repository.
type MockRepository struct {
	mock.Mock
}

var _ store.Repository = (*MockRepository)(nil)

func (m *MockRepository) CreateSession(ctx context.Context, s *schemas.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockRepository) GetSession(ctx context.Context, id string) (*schemas.Session, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*schemas.Session)
	return s, args.Error(1)
}

func (m *MockRepository) ListSessions(ctx context.Context, f store.SessionFilter) ([]schemas.Session, error) {
	args := m.Called(ctx, f)
	s, _ := args.Get(0).([]schemas.Session)
	return s, args.Error(1)
}

func (m *MockRepository) UpdateSessionStatus(ctx context.Context, id string, status schemas.SessionStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockRepository) CreateScreenshot(ctx context.Context, s *schemas.Screenshot) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockRepository) GetScreenshot(ctx context.Context, id string) (*schemas.Screenshot, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*schemas.Screenshot)
	return s, args.Error(1)
}

func (m *MockRepository) ListScreenshots(ctx context.Context, sessionID string) ([]schemas.Screenshot, error) {
	args := m.Called(ctx, sessionID)
	s, _ := args.Get(0).([]schemas.Screenshot)
	return s, args.Error(1)
}

func (m *MockRepository) CountScreenshots(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CreateEventBatch(ctx context.Context, b *schemas.EventBatch) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockRepository) ListEventBatches(ctx context.Context, sessionID string) ([]schemas.EventBatch, error) {
	args := m.Called(ctx, sessionID)
	b, _ := args.Get(0).([]schemas.EventBatch)
	return b, args.Error(1)
}

func (m *MockRepository) CountEventBatches(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) CountVerdicts(ctx context.Context, sessionID string) (int, int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *MockRepository) CreateReport(ctx context.Context, r *schemas.Report) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) GetReport(ctx context.Context, id string) (*schemas.Report, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*schemas.Report)
	return r, args.Error(1)
}

func (m *MockRepository) ListReports(ctx context.Context, f store.ReportFilter) ([]schemas.Report, error) {
	args := m.Called(ctx, f)
	r, _ := args.Get(0).([]schemas.Report)
	return r, args.Error(1)
}

func (m *MockRepository) Close() {
	m.Called()
}

// -- Browser Mock --

// MockBrowser mocks the browser controller surface used by the capture
// pipeline and the session actor.
type MockBrowser struct {
	mock.Mock
}

func (m *MockBrowser) Launch(ctx context.Context, engine schemas.Engine, url string) error {
	args := m.Called(ctx, engine, url)
	return args.Error(0)
}

func (m *MockBrowser) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockBrowser) GoBack(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) GoForward(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Reload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Goto(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) Click(ctx context.Context, fx, fy float64) error {
	return m.Called(ctx, fx, fy).Error(0)
}

func (m *MockBrowser) TypeInto(ctx context.Context, selector, text string) error {
	return m.Called(ctx, selector, text).Error(0)
}

func (m *MockBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

// Evaluate passes out through so tests can fill it with Run.
func (m *MockBrowser) Evaluate(ctx context.Context, script string, out any) error {
	return m.Called(ctx, script, out).Error(0)
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) Shutdown(ctx context.Context) {
	m.Called(ctx)
}
