package study

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

// Schema is the SQL DDL for the study_materials table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS study_materials (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'text',
    content     TEXT NOT NULL DEFAULT '',
    date_added  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_study_materials_date_added ON study_materials(date_added DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [MaterialStore] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ MaterialStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// startupBackoff paces pings while the database is still coming up, for
// roughly fifteen seconds in total.
func startupBackoff() retry.Backoff {
	b := retry.NewExponential(250 * time.Millisecond)
	b = retry.WithCappedDuration(4*time.Second, b)
	return retry.WithMaxRetries(6, b)
}

// OpenPostgres connects a pool to dsn, waits for the database to answer and
// migrates the schema. The returned close function releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("study: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("study: create pool: %w", err)
	}
	store := NewPostgresStore(pool)
	if err := waitReady(ctx, store, startupBackoff()); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// waitReady pings until the database answers or b gives up. Errors reported
// by the server itself, such as a failed login, are not retried.
func waitReady(ctx context.Context, s *PostgresStore, b retry.Backoff) error {
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := s.Ping(ctx)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return err
		}
		slog.Debug("study: database not ready", "attempt", attempt, "err", err)
		return retry.RetryableError(err)
	})
}

// Migrate executes the [Schema] DDL against the database, creating the
// study_materials table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("study: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("study: ping: %w", err)
	}
	return nil
}

// Add implements [MaterialStore]. DateAdded is set by the database when zero.
func (s *PostgresStore) Add(ctx context.Context, m *Material) error {
	if err := m.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO study_materials (id, title, type, content, date_added)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING date_added`

	var added any
	if !m.DateAdded.IsZero() {
		added = m.DateAdded
	}
	err := s.db.QueryRow(ctx, query, m.ID, m.Title, string(m.Type), m.Content, added).Scan(&m.DateAdded)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("study: material with id %q already exists", m.ID)
		}
		return fmt.Errorf("study: add: %w", err)
	}
	return nil
}

// Get implements [MaterialStore].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Material, error) {
	const query = `
		SELECT id, title, type, content, date_added
		FROM study_materials
		WHERE id = $1`

	var m Material
	var typ string
	err := s.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.Title, &typ, &m.Content, &m.DateAdded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("study: get %q: %w", id, err)
	}
	m.Type = MaterialType(typ)
	return &m, nil
}

// List implements [MaterialStore].
func (s *PostgresStore) List(ctx context.Context) ([]Material, error) {
	const query = `
		SELECT id, title, type, content, date_added
		FROM study_materials
		ORDER BY date_added DESC, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("study: list: %w", err)
	}
	defer rows.Close()

	var out []Material
	for rows.Next() {
		var m Material
		var typ string
		if err := rows.Scan(&m.ID, &m.Title, &typ, &m.Content, &m.DateAdded); err != nil {
			return nil, fmt.Errorf("study: list scan: %w", err)
		}
		m.Type = MaterialType(typ)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("study: list: %w", err)
	}
	return out, nil
}

// Delete implements [MaterialStore].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM study_materials WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("study: delete %q: %w", id, err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
