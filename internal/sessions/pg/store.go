// Package pg is the Postgres-backed session store, selected with
// sessions.storage = "postgres".
package pg

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/internal/sessions"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements sessions.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ sessions.Store = (*Store)(nil)

// New connects, runs pending migrations, and returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("sessions/pg: migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions/pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessions/pg: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Load fetches one session; missing sessions return (nil, nil).
func (s *Store) Load(id string) (*sessions.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		out      sessions.Session
		messages []byte
		metadata []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, messages, metadata, created_at, updated_at
		   FROM sessions WHERE id = $1`, id,
	).Scan(&out.ID, &out.AgentID, &messages, &metadata, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions/pg: load %s: %w", id, err)
	}
	if err := json.Unmarshal(messages, &out.Messages); err != nil {
		return nil, fmt.Errorf("sessions/pg: %s: decode messages: %w", id, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &out.Metadata); err != nil {
			return nil, fmt.Errorf("sessions/pg: %s: decode metadata: %w", id, err)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("sessions/pg: %s: %w", id, err)
	}
	return &out, nil
}

// Save upserts the full session document.
func (s *Store) Save(sess *sessions.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("sessions/pg: refusing to save: %w", err)
	}
	sess.UpdatedAt = time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}
	msgs := sess.Messages
	if msgs == nil {
		msgs = []providers.Message{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("sessions/pg: marshal messages: %w", err)
	}
	var metadata []byte
	if sess.Metadata != nil {
		if metadata, err = json.Marshal(sess.Metadata); err != nil {
			return fmt.Errorf("sessions/pg: marshal metadata: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, agent_id, messages, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   messages = EXCLUDED.messages,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.AgentID, messages, metadata, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sessions/pg: save %s: %w", sess.ID, err)
	}
	return nil
}

// List returns session summaries, newest first.
func (s *Store) List() ([]sessions.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, jsonb_array_length(messages), created_at, updated_at
		   FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sessions/pg: list: %w", err)
	}
	defer rows.Close()

	var out []sessions.SessionInfo
	for rows.Next() {
		var info sessions.SessionInfo
		if err := rows.Scan(&info.ID, &info.AgentID, &info.MessageCount, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sessions/pg: list scan: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a session; missing ids are a no-op.
func (s *Store) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("sessions/pg: delete %s: %w", id, err)
	}
	return nil
}

// CleanupOlderThan removes sessions stale since the cutoff.
func (s *Store) CleanupOlderThan(cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sessions/pg: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
