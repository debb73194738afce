// Package postgres keeps the tree in a single PostgreSQL table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicktill/minerstats/pkg/storage"
)

const (
	migrateSQL = `CREATE TABLE IF NOT EXISTS kv_nodes (
        path     TEXT PRIMARY KEY,
        parent   TEXT NOT NULL,
        priority BIGINT NOT NULL DEFAULT 0,
        value    BYTEA NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS kv_nodes_parent_priority_idx ON kv_nodes (parent, priority, path);`

	getSQL = `SELECT value FROM kv_nodes WHERE path = $1;`

	// xmax is 0 only for freshly inserted rows
	upsertSQL = `INSERT INTO kv_nodes (path, parent, priority, value)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (path) DO UPDATE
    SET
        priority   = EXCLUDED.priority,
        value      = EXCLUDED.value,
        updated_at = now()
    RETURNING (xmax = 0) AS inserted;`

	deleteSQL = `DELETE FROM kv_nodes WHERE path = $1;`

	listSQL = `SELECT path, priority, value
    FROM kv_nodes
    WHERE parent = $1
      AND priority <= $2
    ORDER BY priority, path
    LIMIT NULLIF($3::bigint, 0);`

	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
)

// Config holds the connection settings
type Config struct {
	DSN             string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration

	// SkipMigrate leaves the schema alone, for databases managed elsewhere
	SkipMigrate bool
}

// Storage implements storage.Store on PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create pgx pool: %w", storage.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", storage.ErrUnavailable, err)
	}
	return pool, nil
}

// New opens a pool and creates the schema
func New(ctx context.Context, cfg Config) (*Storage, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := NewWithPool(pool)
	if !cfg.SkipMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool wires an existing pgx pool
func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

var _ storage.Store = (*Storage)(nil)

// Migrate creates the kv_nodes table if it is missing
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrateSQL); err != nil {
		return fmt.Errorf("migrate kv_nodes: %w", err)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.pool.QueryRow(ctx, getSQL, path).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return value, nil
}

func (s *Storage) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.SetWithPriority(ctx, path, value, 0)
	return err
}

func (s *Storage) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	return upsert(ctx, s.pool, path, value, priority)
}

// Update serializes writers of the same path with a transaction-scoped
// advisory lock keyed by the path hash. The lock also covers paths that
// do not exist yet, which SELECT ... FOR UPDATE cannot.
func (s *Storage) Update(ctx context.Context, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin update %s: %w", path, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, advisoryXactLockSQL, LockKey(path)); err != nil {
		return false, fmt.Errorf("lock %s: %w", path, err)
	}

	var current []byte
	err = tx.QueryRow(ctx, getSQL, path).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = nil
	case err != nil:
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	next, err := fn(current)
	if err != nil {
		return false, err
	}

	created, err := upsert(ctx, tx, path, next, priority)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit update %s: %w", path, err)
	}
	return created, nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, deleteSQL, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context, parent string, limit int, endAt int64) ([]storage.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, listSQL, parent, endAt, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", parent, err)
	}
	defer rows.Close()

	var results []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Path, &e.Priority, &e.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", parent, err)
		}
		_, e.Key = storage.Split(e.Path)
		results = append(results, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// Close releases the underlying pool resources.
func (s *Storage) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}

func (s *Storage) ready(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrUnavailable
	}
	return ctx.Err()
}

// LockKey maps a path onto the advisory lock space
func LockKey(path string) int64 {
	return int64(xxhash.Sum64String(path))
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsert(ctx context.Context, q querier, path string, value []byte, priority int64) (bool, error) {
	if value == nil {
		value = []byte{}
	}
	parent, _ := storage.Split(path)

	var inserted bool
	if err := q.QueryRow(ctx, upsertSQL, path, parent, priority, value).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert %s: %w", path, err)
	}
	return inserted, nil
}
