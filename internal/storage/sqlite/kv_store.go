// Package sqlite implements the storage.KV capability interface on a local
// SQLite database. It backs the short-term sighting cache and the scene
// baseline store in single-node deployments: keys carry their own expiry,
// expired rows are dropped lazily on read and opportunistically on write.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/lookout/internal/storage"
)

// Schema is the DDL for the KV table.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);
`

// KVStore implements storage.KV using SQLite.
type KVStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewKVStore opens (or creates) the SQLite database at dsn and ensures the
// KV schema exists. WAL mode is enabled so readers are not blocked by the
// single writer.
func NewKVStore(dsn string) (*KVStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &KVStore{db: db, now: time.Now}, nil
}

// Get returns the value for key, dropping it first if its TTL has elapsed.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	}

	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: failed to get key: %w", err)
	}

	if s.expired(expiresAt) {
		// Lazy expiry: the row is gone from the caller's perspective.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, storage.ErrNotFound
	}

	return value, nil
}

// SetWithTTL stores value under key, replacing any previous value and
// resetting the expiry. A ttl of zero stores the key without expiry.
func (s *KVStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresArg(now, ttl), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: failed to set key: %w", err)
	}

	return nil
}

// Exists reports whether key is present and unexpired.
func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key and reports whether an unexpired row was present.
func (s *KVStore) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	}

	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to check key: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("sqlite: failed to delete key: %w", err)
	}

	return !s.expired(expiresAt), nil
}

// Pipeline runs fn inside a single transaction so multi-key updates (e.g.
// the three scene-baseline keys) land atomically.
func (s *KVStore) Pipeline(ctx context.Context, fn func(storage.Pipe) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin pipeline: %w", err)
	}

	pipe := &txPipe{ctx: ctx, tx: tx, store: s}
	if err := fn(pipe); err != nil {
		tx.Rollback()
		return err
	}
	if pipe.err != nil {
		tx.Rollback()
		return pipe.err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit pipeline: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *KVStore) Close() error {
	return s.db.Close()
}

// PurgeExpired removes all rows whose TTL has elapsed. Expiry is lazy on
// the read path; this exists for housekeeping in long-running processes.
func (s *KVStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to purge expired keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *KVStore) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli()
}

func expiresArg(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixMilli()
}

// txPipe implements storage.Pipe over a SQLite transaction. Write errors are
// deferred to Pipeline so callers can queue operations without checking each
// one.
type txPipe struct {
	ctx   context.Context
	tx    *sql.Tx
	store *KVStore
	err   error
}

func (p *txPipe) Get(key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := p.tx.QueryRowContext(p.ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: pipeline get failed: %w", err)
	}
	if p.store.expired(expiresAt) {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (p *txPipe) SetWithTTL(key string, value []byte, ttl time.Duration) {
	if p.err != nil {
		return
	}
	now := p.store.now()
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO kv (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, expiresArg(now, ttl), now.UnixMilli())
	if err != nil {
		p.err = fmt.Errorf("sqlite: pipeline set failed: %w", err)
	}
}

func (p *txPipe) Delete(key string) {
	if p.err != nil {
		return
	}
	if _, err := p.tx.ExecContext(p.ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		p.err = fmt.Errorf("sqlite: pipeline delete failed: %w", err)
	}
}

// Compile-time assertion that KVStore satisfies the capability interface.
var _ storage.KV = (*KVStore)(nil)
