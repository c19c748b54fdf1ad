package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore persists sessions to a Postgres table, allowing
// multiple coordinator replicas to share authentication state.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sync_sessions (
    token TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresSessionStore opens a Postgres-backed session store using the
// provided DSN and ensures the sessions table exists.
func NewPostgresSessionStore(dsn string) (*PostgresSessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	if _, err := pool.Exec(context.Background(), sessionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure session table: %w", err)
	}
	return &PostgresSessionStore{pool: pool}, nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresSessionStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the session token.
func (s *PostgresSessionStore) Save(record SessionRecord) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO sync_sessions (token, role, name, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token) DO UPDATE SET role = EXCLUDED.role, name = EXCLUDED.name, expires_at = EXCLUDED.expires_at
`, record.Token, string(record.Role), record.Name, record.ExpiresAt.UTC())
	return err
}

// Get fetches the session details for the provided token.
func (s *PostgresSessionStore) Get(token string) (SessionRecord, bool, error) {
	if s.pool == nil {
		return SessionRecord{}, false, fmt.Errorf("postgres session pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT role, name, expires_at
FROM sync_sessions
WHERE token = $1
`, token)
	record := SessionRecord{Token: token}
	var role string
	if err := row.Scan(&role, &record.Name, &record.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	record.Role = Role(role)
	return record, true, nil
}

// Delete removes the session token.
func (s *PostgresSessionStore) Delete(token string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM sync_sessions WHERE token = $1`, token)
	return err
}

// PurgeExpired deletes expired sessions from the table.
func (s *PostgresSessionStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM sync_sessions WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies the Postgres connection.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	return s.pool.Ping(ctx)
}
