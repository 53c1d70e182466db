// Package session mirrors (user, container) associations in Postgres.
//
// The mirror exists for operational recovery after a process restart; the
// authoritative state is the in-memory pool plus the engine itself. Store
// failures are therefore reported to the caller for logging but never
// affect pool bookkeeping.
package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/krelab/sandpool/config"
	"github.com/krelab/sandpool/sandbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_sessions (
    user_id       TEXT PRIMARY KEY,
    container_id  TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// PostgresStore implements sandbox.SessionStore on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection, verifies it, and ensures the
// sessions table exists.
func NewPostgresStore(cfg config.SessionsConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sessions table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Upsert records the user's container association.
func (s *PostgresStore) Upsert(ctx context.Context, userID, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_sessions (user_id, container_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id)
		 DO UPDATE SET container_id = $2, last_activity = CURRENT_TIMESTAMP`,
		userID, containerID)
	return err
}

// Touch bumps the user's last-activity timestamp.
func (s *PostgresStore) Touch(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_activity = CURRENT_TIMESTAMP WHERE user_id = $1`,
		userID)
	return err
}

// Delete removes the user's session row.
func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE user_id = $1`,
		userID)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// NoopStore discards every call. Used when the session mirror is disabled.
type NoopStore struct{}

func (NoopStore) Upsert(context.Context, string, string) error { return nil }
func (NoopStore) Touch(context.Context, string) error          { return nil }
func (NoopStore) Delete(context.Context, string) error         { return nil }

// NewStore returns the configured session store: Postgres when the mirror
// is enabled, a no-op store otherwise.
func NewStore(logger *zap.Logger, cfg *config.Config) (sandbox.SessionStore, error) {
	if !cfg.Sessions.Enabled {
		logger.Info("session mirror disabled")
		return NoopStore{}, nil
	}

	store, err := NewPostgresStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	logger.Info("session mirror connected",
		zap.String("host", cfg.Sessions.Host),
		zap.String("database", cfg.Sessions.Database))
	return store, nil
}

// Interface compliance
var (
	_ sandbox.SessionStore = (*PostgresStore)(nil)
	_ sandbox.SessionStore = NoopStore{}
)
