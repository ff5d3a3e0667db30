package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/config"
)

//go:embed schema_postgres.sql
var postgresSchema string

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres is the PostgreSQL implementation of Repository.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Repository = (*Postgres)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect builds a pgx pool from cfg, retrying with exponential backoff while
// the database comes up, then applies the schema.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 45 * time.Second
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("Database not reachable yet, retrying...", zap.Error(err))
			return fmt.Errorf("failed to ping database: %w", err)
		}
		pool = p
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema inside a transaction.
func (s *Postgres) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// -- Sessions --

const pgSessionColumns = `id, url, browser_type, description, reference_datalayers, status, created_at, updated_at`

func (s *Postgres) CreateSession(ctx context.Context, sess *schemas.Session) error {
	prepareSession(sess)
	_, err := s.pool.Exec(ctx, `
        INSERT INTO sessions (id, url, browser_type, description, reference_datalayers, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.URL, string(sess.Engine), sess.Description, nullableJSON(sess.Reference),
		string(sess.Status), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*schemas.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]schemas.Session, error) {
	query := `SELECT ` + pgSessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, likePattern(f.Search))
		query += fmt.Sprintf(" AND (LOWER(url) LIKE $%d OR LOWER(description) LIKE $%d)", len(args), len(args))
	}
	limit, offset := limitOffset(f.Page)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []schemas.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
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

func (s *Postgres) UpdateSessionStatus(ctx context.Context, id string, status schemas.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgSession(row pgx.Row) (*schemas.Session, error) {
	var (
		sess      schemas.Session
		engine    string
		status    string
		reference []byte
	)
	if err := row.Scan(&sess.ID, &sess.URL, &engine, &sess.Description, &reference, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Engine = schemas.Engine(engine)
	sess.Status = schemas.SessionStatus(status)
	sess.Reference = reference
	return &sess, nil
}

// -- Screenshots --

func (s *Postgres) CreateScreenshot(ctx context.Context, shot *schemas.Screenshot) error {
	prepareArtifact(&shot.ID, &shot.CreatedAt)
	_, err := s.pool.Exec(ctx, `
        INSERT INTO screenshots (id, session_id, url, image, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		shot.ID, shot.SessionID, shot.URL, shot.Image, shot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert screenshot: %w", err)
	}
	return nil
}

func (s *Postgres) GetScreenshot(ctx context.Context, id string) (*schemas.Screenshot, error) {
	var shot schemas.Screenshot
	err := s.pool.QueryRow(ctx, `SELECT id, session_id, url, image, created_at FROM screenshots WHERE id = $1`, id).
		Scan(&shot.ID, &shot.SessionID, &shot.URL, &shot.Image, &shot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query screenshot: %w", err)
	}
	return &shot, nil
}

func (s *Postgres) ListScreenshots(ctx context.Context, sessionID string) ([]schemas.Screenshot, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, session_id, url, image, created_at
        FROM screenshots
        WHERE session_id = $1
        ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query screenshots: %w", err)
	}
	defer rows.Close()

	var shots []schemas.Screenshot
	for rows.Next() {
		var shot schemas.Screenshot
		if err := rows.Scan(&shot.ID, &shot.SessionID, &shot.URL, &shot.Image, &shot.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan screenshot row: %w", err)
		}
		shots = append(shots, shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return shots, nil
}

func (s *Postgres) CountScreenshots(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM screenshots WHERE session_id = $1`, sessionID)
}

// -- Event batches --

func (s *Postgres) CreateEventBatch(ctx context.Context, b *schemas.EventBatch) error {
	prepareArtifact(&b.ID, &b.CreatedAt)
	data, err := encodeEvents(b.Data)
	if err != nil {
		return err
	}
	errs, err := encodeErrors(b.Errors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO datalayer_captures (id, session_id, url, data, verdict, validation_errors, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.SessionID, b.URL, data, string(b.Verdict), errs, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event batch: %w", err)
	}
	return nil
}

func (s *Postgres) ListEventBatches(ctx context.Context, sessionID string) ([]schemas.EventBatch, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, session_id, url, data, verdict, validation_errors, created_at
        FROM datalayer_captures
        WHERE session_id = $1
        ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event batches: %w", err)
	}
	defer rows.Close()

	var batches []schemas.EventBatch
	for rows.Next() {
		var (
			b       schemas.EventBatch
			data    []byte
			errs    []byte
			verdict string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.URL, &data, &verdict, &errs, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event batch row: %w", err)
		}
		if b.Data, err = decodeEvents(data); err != nil {
			return nil, err
		}
		if b.Errors, err = decodeErrors(errs); err != nil {
			return nil, err
		}
		b.Verdict = schemas.Verdict(verdict)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return batches, nil
}

func (s *Postgres) CountEventBatches(ctx context.Context, sessionID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM datalayer_captures WHERE session_id = $1`, sessionID)
}

func (s *Postgres) CountVerdicts(ctx context.Context, sessionID string) (int, int, error) {
	var valid, invalid int64
	err := s.pool.QueryRow(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE verdict = 'valid'),
            COUNT(*) FILTER (WHERE verdict = 'invalid')
        FROM datalayer_captures
        WHERE session_id = $1`, sessionID).Scan(&valid, &invalid)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count verdicts: %w", err)
	}
	return int(valid), int(invalid), nil
}

// -- Reports --

func (s *Postgres) CreateReport(ctx context.Context, r *schemas.Report) error {
	prepareArtifact(&r.ID, &r.CreatedAt)
	_, err := s.pool.Exec(ctx, `
        INSERT INTO reports (id, session_id, title, is_valid, report_data, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.SessionID, r.Title, r.IsValid, r.Document, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (s *Postgres) GetReport(ctx context.Context, id string) (*schemas.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, session_id, title, is_valid, report_data, created_at FROM reports WHERE id = $1`, id)
	r, err := scanPgReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	return r, nil
}

func (s *Postgres) ListReports(ctx context.Context, f ReportFilter) ([]schemas.Report, error) {
	query := `
        SELECT r.id, r.session_id, r.title, r.is_valid, r.report_data, r.created_at
        FROM reports r
        JOIN sessions s ON s.id = r.session_id
        WHERE 1=1`
	var args []any
	switch f.Validity {
	case "valid":
		query += " AND r.is_valid"
	case "invalid":
		query += " AND NOT r.is_valid"
	}
	if f.Search != "" {
		args = append(args, likePattern(f.Search))
		query += fmt.Sprintf(" AND (LOWER(r.title) LIKE $%d OR LOWER(s.url) LIKE $%d)", len(args), len(args))
	}
	limit, offset := limitOffset(f.Page)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY r.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []schemas.Report
	for rows.Next() {
		r, err := scanPgReport(rows)
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

func scanPgReport(row pgx.Row) (*schemas.Report, error) {
	var (
		r   schemas.Report
		doc []byte
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Title, &r.IsValid, &doc, &r.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := decodeReportDocument(doc)
	if err != nil {
		return nil, err
	}
	r.Document = parsed
	return &r, nil
}

func (s *Postgres) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return int(n), nil
}
