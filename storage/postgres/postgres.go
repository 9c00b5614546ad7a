// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Envelope fields are stored as individual columns so nonce and ciphertext
// use native BYTEA storage, and expiry can be filtered and swept in SQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatehouse/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

//go:embed schema.sql
var schemaSQL string

// schemaLockID serialises schema creation between replicas starting at once.
const schemaLockID = 0x6761746568

// EnsureSchema creates the pending_records table and its expiry index. It is
// idempotent and runs on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(schemaLockID)); err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Store) Put(ctx context.Context, namespace, key string, envelope *storage.Envelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_records (namespace, record_key, ver, scheme, nonce, ciphertext, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (namespace, record_key)
		 DO UPDATE SET ver = $3, scheme = $4, nonce = $5, ciphertext = $6, expires_at = $7`,
		namespace, key,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, nullableTime(envelope.ExpiresAt))
	return err
}

func scanEnvelope(row pgx.Row) (*storage.Envelope, error) {
	var (
		env       storage.Envelope
		expiresAt *time.Time
	)
	if err := row.Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &expiresAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		env.ExpiresAt = expiresAt.UTC()
	}
	return &env, nil
}

func (s *Store) Get(ctx context.Context, namespace, key string) (*storage.Envelope, error) {
	env, err := scanEnvelope(s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext, expires_at
		 FROM pending_records
		 WHERE namespace = $1 AND record_key = $2
		   AND (expires_at IS NULL OR expires_at > now())`,
		namespace, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return env, err
}

func (s *Store) Take(ctx context.Context, namespace, key string) (*storage.Envelope, error) {
	env, err := scanEnvelope(s.pool.QueryRow(ctx,
		`DELETE FROM pending_records
		 WHERE namespace = $1 AND record_key = $2
		 RETURNING ver, scheme, nonce, ciphertext, expires_at`,
		namespace, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if env.Expired(time.Now()) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return env, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pending_records WHERE namespace = $1 AND record_key = $2`,
		namespace, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_key FROM pending_records
		 WHERE namespace = $1 AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY record_key`,
		namespace)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pending_records WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
