package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite is the single-file Repository backend. Timestamps are stored as unix
// nanoseconds so ordering by created_at is exact.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Repository = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; a single connection also keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, log: logger.Named("store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debug("SQLite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()
	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.log.Warn("Failed to close database", zap.Error(err))
	}
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

// -- Sessions --

const sqliteSessionColumns = `id, url, browser_type, description, reference_datalayers, status, created_at, updated_at`

func (s *SQLite) CreateSession(ctx context.Context, sess *schemas.Session) error {
	prepareSession(sess)
	var reference any
	if raw := nullableJSON(sess.Reference); raw != nil {
		reference = string(raw.([]byte))
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions (id, url, browser_type, description, reference_datalayers, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.URL, string(sess.Engine), sess.Description, reference,
		string(sess.Status), toNanos(sess.CreatedAt), toNanos(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*schemas.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) ListSessions(ctx context.Context, f SessionFilter) ([]schemas.Session, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Search != "" {
		pattern := likePattern(f.Search)
		query += " AND (LOWER(url) LIKE ? OR LOWER(description) LIKE ?)"
		args = append(args, pattern, pattern)
	}
	limit, offset := limitOffset(f.Page)
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []schemas.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return sessions, nil
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, id string, status schemas.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteSession(row rowScanner) (*schemas.Session, error) {
	var (
		sess      schemas.Session
		engine    string
		status    string
		reference sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&sess.ID, &sess.URL, &engine, &sess.Description, &reference, &status, &created, &updated); err != nil {
		return nil, err
	}
	sess.Engine = schemas.Engine(engine)
	sess.Status = schemas.SessionStatus(status)
	if reference.Valid {
		sess.Reference = []byte(reference.String)
	}
	sess.CreatedAt = fromNanos(created)
	sess.UpdatedAt = fromNanos(updated)
	return &sess, nil
}

// -- Screenshots --

func (s *SQLite) CreateScreenshot(ctx context.Context, shot *schemas.Screenshot) error {
	prepareArtifact(&shot.ID, &shot.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO screenshots (id, session_id, url, image, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		shot.ID, shot.SessionID, shot.URL, shot.Image, toNanos(shot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert screenshot: %w", err)
	}
	return nil
}

func (s *SQLite) GetScreenshot(ctx context.Context, id string) (*schemas.Screenshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, url, image, created_at FROM screenshots WHERE id = ?`, id)
	shot, err := scanSQLiteScreenshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query screenshot: %w", err)
	}
	return shot, nil
}

func (s *SQLite) ListScreenshots(ctx context.Context, sessionID string) ([]schemas.Screenshot, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, url, image, created_at
        FROM screenshots
        WHERE session_id = ?
        ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query screenshots: %w", err)
	}
	defer rows.Close()

	var shots []schemas.Screenshot
	for rows.Next() {
		shot, err := scanSQLiteScreenshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan screenshot row: %w", err)
		}
		shots = append(shots, *shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return shots, nil
}

func scanSQLiteScreenshot(row rowScanner) (*schemas.Screenshot, error) {
	var (
		shot    schemas.Screenshot
		created int64
	)
	if err := row.Scan(&shot.ID, &shot.SessionID, &shot.URL, &shot.Image, &created); err != nil {
		return nil, err
	}
	shot.CreatedAt = fromNanos(created)
	return &shot, nil
}

func (s *SQLite) CountScreenshots(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM screenshots WHERE session_id = ?`, sessionID)
}

// -- Event batches --

func (s *SQLite) CreateEventBatch(ctx context.Context, b *schemas.EventBatch) error {
	prepareArtifact(&b.ID, &b.CreatedAt)
	data, err := encodeEvents(b.Data)
	if err != nil {
		return err
	}
	errs, err := encodeErrors(b.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO datalayer_captures (id, session_id, url, data, verdict, validation_errors, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.URL, string(data), string(b.Verdict), string(errs), toNanos(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event batch: %w", err)
	}
	return nil
}

func (s *SQLite) ListEventBatches(ctx context.Context, sessionID string) ([]schemas.EventBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, session_id, url, data, verdict, validation_errors, created_at
        FROM datalayer_captures
        WHERE session_id = ?
        ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event batches: %w", err)
	}
	defer rows.Close()

	var batches []schemas.EventBatch
	for rows.Next() {
		var (
			b       schemas.EventBatch
			data    string
			errs    string
			verdict string
			created int64
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.URL, &data, &verdict, &errs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event batch row: %w", err)
		}
		if b.Data, err = decodeEvents([]byte(data)); err != nil {
			return nil, err
		}
		if b.Errors, err = decodeErrors([]byte(errs)); err != nil {
			return nil, err
		}
		b.Verdict = schemas.Verdict(verdict)
		b.CreatedAt = fromNanos(created)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return batches, nil
}

func (s *SQLite) CountEventBatches(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM datalayer_captures WHERE session_id = ?`, sessionID)
}

func (s *SQLite) CountVerdicts(ctx context.Context, sessionID string) (int, int, error) {
	var valid, invalid int64
	err := s.db.QueryRowContext(ctx, `
        SELECT
            COALESCE(SUM(CASE WHEN verdict = 'valid' THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN verdict = 'invalid' THEN 1 ELSE 0 END), 0)
        FROM datalayer_captures
        WHERE session_id = ?`, sessionID).Scan(&valid, &invalid)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count verdicts: %w", err)
	}
	return int(valid), int(invalid), nil
}

// -- Reports --

func (s *SQLite) CreateReport(ctx context.Context, r *schemas.Report) error {
	prepareArtifact(&r.ID, &r.CreatedAt)
	doc, err := json.Marshal(r.Document)
	if err != nil {
		return fmt.Errorf("failed to encode report document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO reports (id, session_id, title, is_valid, report_data, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Title, r.IsValid, string(doc), toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (s *SQLite) GetReport(ctx context.Context, id string) (*schemas.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, title, is_valid, report_data, created_at FROM reports WHERE id = ?`, id)
	r, err := scanSQLiteReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	return r, nil
}

func (s *SQLite) ListReports(ctx context.Context, f ReportFilter) ([]schemas.Report, error) {
	query := `
        SELECT r.id, r.session_id, r.title, r.is_valid, r.report_data, r.created_at
        FROM reports r
        JOIN sessions s ON s.id = r.session_id
        WHERE 1=1`
	var args []any
	switch f.Validity {
	case "valid":
		query += " AND r.is_valid = 1"
	case "invalid":
		query += " AND r.is_valid = 0"
	}
	if f.Search != "" {
		pattern := likePattern(f.Search)
		query += " AND (LOWER(r.title) LIKE ? OR LOWER(s.url) LIKE ?)"
		args = append(args, pattern, pattern)
	}
	limit, offset := limitOffset(f.Page)
	query += " ORDER BY r.created_at DESC, r.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []schemas.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reports, nil
}

func scanSQLiteReport(row rowScanner) (*schemas.Report, error) {
	var (
		r       schemas.Report
		doc     string
		created int64
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Title, &r.IsValid, &doc, &created); err != nil {
		return nil, err
	}
	parsed, err := decodeReportDocument([]byte(doc))
	if err != nil {
		return nil, err
	}
	r.Document = parsed
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func (s *SQLite) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return int(n), nil
}
