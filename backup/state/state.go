// Package state records which files were already backed up, so unchanged files can be skipped.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path        TEXT PRIMARY KEY,
	size        INTEGER NOT NULL,
	mod_time    INTEGER NOT NULL,
	sha1        TEXT NOT NULL,
	remote_id   TEXT NOT NULL,
	uploaded_at INTEGER NOT NULL
)`

const numBusyRetries = 5

// Record is the last successful upload of a file.
type Record struct {
	Path       string
	Size       int64
	ModTime    time.Time
	SHA1       string
	RemoteID   string
	UploadedAt time.Time
}

// Store is a SQLite backed record store.
type Store struct {
	db        *sql.DB
	busyRetry time.Duration
}

// Open opens (and creates if needed) the state database at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("state database path is empty")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// SQLite allows a single writer; serializing in the pool avoids busy errors between our own connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to state database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}

	return &Store{db: db, busyRetry: 100 * time.Millisecond}, nil
}

// Lookup returns the record of path. The bool is false if the file was never uploaded.
func (s *Store) Lookup(ctx context.Context, path string) (Record, bool, error) {
	var (
		record     Record
		modTime    int64
		uploadedAt int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT path, size, mod_time, sha1, remote_id, uploaded_at FROM files WHERE path = ?`, path)
	err := row.Scan(&record.Path, &record.Size, &modTime, &record.SHA1, &record.RemoteID, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup %s: %w", path, err)
	}

	record.ModTime = time.Unix(0, modTime).UTC()
	record.UploadedAt = time.Unix(0, uploadedAt).UTC()
	return record, true, nil
}

// Save inserts or replaces the record of a file.
func (s *Store) Save(ctx context.Context, record Record) error {
	return retry.Times(numBusyRetries).Wait(s.busyRetry).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO files (path, size, mod_time, sha1, remote_id, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	size = excluded.size,
	mod_time = excluded.mod_time,
	sha1 = excluded.sha1,
	remote_id = excluded.remote_id,
	uploaded_at = excluded.uploaded_at`,
			record.Path, record.Size, record.ModTime.UnixNano(), record.SHA1, record.RemoteID, record.UploadedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("save %s: %w", record.Path, err), !isBusy(err)
		}
		return nil, true
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
