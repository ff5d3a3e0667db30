package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const (
	sqlInsertSession = `
        INSERT INTO sessions (id, url, browser_type, description, reference_datalayers, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlSelectSession = `SELECT id, url, browser_type, description, reference_datalayers, status, created_at, updated_at FROM sessions WHERE id = $1`
	sqlUpdateStatus  = `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`
)

func newMockStore(t *testing.T, logger *zap.Logger) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply schema and commit without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS sessions").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Migrate(ctx))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should rollback when the schema fails to apply", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		execErr := errors.New("permission denied")
		mockPool.ExpectBegin()
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS sessions").WillReturnError(execErr)
		mockPool.ExpectRollback()

		err := s.Migrate(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, execErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.Migrate(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("should assign an id and pending status", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		sess := &schemas.Session{
			URL:       "https://shop.example.com",
			Engine:    schemas.EngineFirefox,
			Reference: []byte(`[{"event":"view"}]`),
		}
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs(
				pgxmock.AnyArg(),
				"https://shop.example.com",
				"firefox",
				"",
				[]byte(`[{"event":"view"}]`),
				"pending",
				pgxmock.AnyArg(),
				pgxmock.AnyArg(),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.CreateSession(ctx, sess))
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, schemas.StatusPending, sess.Status)
		assert.Equal(t, time.UTC, sess.CreatedAt.Location())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should store an absent reference as NULL", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs(pgxmock.AnyArg(), "https://a.example", "chromium", "desc", nil, "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.CreateSession(ctx, &schemas.Session{URL: "https://a.example", Engine: schemas.EngineChromium, Description: "desc"})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap insert errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		insertErr := errors.New("unique violation")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
			WithArgs(
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			).
			WillReturnError(insertErr)

		err := s.CreateSession(ctx, &schemas.Session{URL: "https://a.example", Engine: schemas.EngineChromium})
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.Contains(t, err.Error(), "failed to insert session")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresGetSession(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should scan a stored session", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		rows := pgxmock.NewRows([]string{"id", "url", "browser_type", "description", "reference_datalayers", "status", "created_at", "updated_at"}).
			AddRow("sess-1", "https://a.example", "webkit", "checkout", []byte(`[]`), "active", created, created)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSession)).WithArgs("sess-1").WillReturnRows(rows)

		sess, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, schemas.EngineWebKit, sess.Engine)
		assert.Equal(t, schemas.StatusActive, sess.Status)
		assert.Equal(t, "checkout", sess.Description)
		assert.True(t, sess.CreatedAt.Equal(created))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should map no rows to ErrNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSession)).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

		_, err := s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresUpdateSessionStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("should update the status", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpdateStatus)).
			WithArgs("sess-1", "completed", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateSessionStatus(ctx, "sess-1", schemas.StatusCompleted))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrNotFound when no row matched", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpdateStatus)).
			WithArgs("ghost", "error", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateSessionStatus(ctx, "ghost", schemas.StatusError)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresCountVerdicts(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectQuery(`COUNT\(\*\) FILTER \(WHERE verdict = 'valid'\)`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"valid", "invalid"}).AddRow(int64(7), int64(2)))

	valid, invalid, err := s.CountVerdicts(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 7, valid)
	assert.Equal(t, 2, invalid)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresListSessionsFilters(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectQuery(`AND status = \$1 AND \(LOWER\(url\) LIKE \$2 OR LOWER\(description\) LIKE \$2\) ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("completed", "%shop%", PageSize, PageSize).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "browser_type", "description", "reference_datalayers", "status", "created_at", "updated_at"}))

	sessions, err := s.ListSessions(context.Background(), SessionFilter{Status: schemas.StatusCompleted, Search: " SHOP ", Page: 2})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresEventBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())

	batch := &schemas.EventBatch{
		SessionID: "sess-1",
		URL:       "https://a.example/cart",
		Data:      []any{map[string]any{"event": "add_to_cart"}},
		Verdict:   schemas.VerdictInvalid,
		Errors:    []string{"missing required property event_label"},
	}
	mockPool.ExpectExec("INSERT INTO datalayer_captures").
		WithArgs(
			pgxmock.AnyArg(),
			"sess-1",
			"https://a.example/cart",
			[]byte(`[{"event":"add_to_cart"}]`),
			"invalid",
			[]byte(`["missing required property event_label"]`),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateEventBatch(ctx, batch))
	assert.Len(t, batch.ID, 26, "artifact ids are ULIDs")

	rows := pgxmock.NewRows([]string{"id", "session_id", "url", "data", "verdict", "validation_errors", "created_at"}).
		AddRow(batch.ID, "sess-1", batch.URL, []byte(`[{"event":"add_to_cart","value":12.50}]`), "invalid", []byte(`["x"]`), batch.CreatedAt)
	mockPool.ExpectQuery("FROM datalayer_captures").WithArgs("sess-1").WillReturnRows(rows)

	batches, err := s.ListEventBatches(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	first := batches[0].Data[0].(map[string]any)
	assert.Equal(t, json.Number("12.50"), first["value"], "numbers keep their source text")
	assert.Equal(t, []string{"x"}, batches[0].Errors)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
