// Package postgres implements storage.Store backed by PostgreSQL.
//
// Each persisted session is one row keyed by local ID. The encrypted record
// is kept as JSONB; user_id is duplicated into its own column so that every
// device session of an account can be found without decoding rows.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Load(ctx context.Context, localID int) (*session.PersistedSession, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM persisted_sessions WHERE local_id = $1`, localID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("local id %d: %w", localID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return storage.Unmarshal(data)
}

func (s *Store) Save(ctx context.Context, p *session.PersistedSession) error {
	data, err := storage.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO persisted_sessions (local_id, user_id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (local_id)
		 DO UPDATE SET user_id = $2, data = $3, updated_at = now()`,
		storage.LocalID(p), p.UserID, data)
	return err
}

func (s *Store) Remove(ctx context.Context, localID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM persisted_sessions WHERE local_id = $1`, localID)
	return err
}

func (s *Store) List(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT local_id FROM persisted_sessions ORDER BY local_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}

// ListByUser returns the local IDs of every session stored for userID.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT local_id FROM persisted_sessions WHERE user_id = $1 ORDER BY local_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}
