package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteStore keeps slot records in a single SQLite table. It has no change feed of its
// own and is paired with a separate Notifier.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "cartsync.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("storage: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cartsync_slots (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		origin TEXT NOT NULL,
		written_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create slots table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		rec     = Record{Key: key}
		written int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, origin, written_at FROM cartsync_slots WHERE key = ?`, key,
	).Scan(&rec.Value, &rec.Origin, &written)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: sqlite get: %w", err)
	}
	rec.WrittenAt = time.Unix(0, written).UTC()
	return rec, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cartsync_slots (key, payload, origin, written_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, origin = excluded.origin, written_at = excluded.written_at`,
		rec.Key, rec.Value, rec.Origin, rec.WrittenAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storage: sqlite put: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
