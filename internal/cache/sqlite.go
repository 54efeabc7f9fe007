package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geosight/geosight/internal/models"
)

// SQLiteStore implements Store backed by a local SQLite file. Unlike the
// in-memory backend, cached bundles survive process restarts; staleness is
// still enforced on read.
type SQLiteStore struct {
	db *sql.DB
}

const createBundleTable = `
CREATE TABLE IF NOT EXISTS result_bundles (
	query_key TEXT PRIMARY KEY,
	bundle BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	ttl_seconds INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(createBundleTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.Get. Stale rows count as misses and are deleted.
func (s *SQLiteStore) Get(ctx context.Context, key string) (models.ResultBundle, bool, error) {
	var raw []byte
	var createdAt time.Time
	var ttlSeconds int64

	err := s.db.QueryRowContext(ctx,
		`SELECT bundle, created_at, ttl_seconds FROM result_bundles WHERE query_key = ?`,
		key,
	).Scan(&raw, &createdAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return models.ResultBundle{}, false, nil
	}
	if err != nil {
		return models.ResultBundle{}, false, fmt.Errorf("cache get: %w", err)
	}

	if expiredAt(time.Now(), createdAt.Add(time.Duration(ttlSeconds)*time.Second)) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM result_bundles WHERE query_key = ?`, key)
		return models.ResultBundle{}, false, nil
	}

	var bundle models.ResultBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return models.ResultBundle{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return bundle, true, nil
}

// Set implements Store.Set via INSERT OR REPLACE.
func (s *SQLiteStore) Set(ctx context.Context, key string, value models.ResultBundle, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO result_bundles (query_key, bundle, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?)`,
		key, raw, time.Now().UTC(), int64(ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_bundles WHERE query_key = ?`, key)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Flush implements Store.Flush.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_bundles`)
	if err != nil {
		return fmt.Errorf("cache flush: %w", err)
	}
	return nil
}

// Ping checks database reachability. Used for health checks.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close releases the database connection. Call during shutdown.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
