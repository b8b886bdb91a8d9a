package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists objects as rows of the custody_objects table.
// A save is a single upsert statement, so the replacement is atomic under
// PostgreSQL's transactional guarantees.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The schema from Migrations must already be applied.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO custody_objects (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, data,
	); err != nil {
		return &PersistenceError{Op: "save", Key: key, Err: err}
	}
	s.logger.Debug("object saved", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, key string, dst any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	var data []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT value FROM custody_objects WHERE key = $1`, key,
	).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(key)
		}
		return &PersistenceError{Op: "load", Key: key, Err: err}
	}
	if err := decode(data, dst); err != nil {
		return &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM custody_objects WHERE key = $1)`, key,
	).Scan(&exists); err != nil {
		return false, &PersistenceError{Op: "exists", Key: key, Err: err}
	}
	return exists, nil
}

// Lock implements Store with a session-level advisory lock keyed by a hash
// of key. The lock lives on one pooled connection, held until unlock.
func (s *PostgresStore) Lock(ctx context.Context, key string) (Unlock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, &PersistenceError{Op: "lock", Key: key, Err: err}
	}

	return func() error {
		defer conn.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// A connection that may still hold the lock must not go back to the pool.
			conn.Conn().Close(ctx) //nolint:errcheck
			return &PersistenceError{Op: "unlock", Key: key, Err: err}
		}
		return nil
	}, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
