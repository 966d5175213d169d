package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = errors.New("database: key not found")
	// ErrQuotaExceeded is returned by Put when the write would exceed the store quota.
	ErrQuotaExceeded = errors.New("database: storage quota exceeded")
)

// Store is a namespaced string-keyed value store shared by every cache,
// the history ledger included.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// Clear removes every entry in every namespace.
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store on top of a single SQLite table
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath. A positive
// maxBytes caps the total size of stored values.
func NewSQLiteStore(dbPath string, maxBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting busy timeout: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &SQLiteStore{db: db, maxBytes: maxBytes}, nil
}

func initializeSchema(db *sql.DB) error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	if _, err := db.Exec(string(schemaBytes)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	slog.Debug("database schema initialized")
	return nil
}

// Get returns the value stored under namespace/key.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Put stores value under namespace/key, replacing any previous value.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if s.maxBytes > 0 {
		var used int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(length(value)), 0)
			FROM kv_entries
			WHERE NOT (namespace = ? AND key = ?)
		`, namespace, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure store usage: %w", err)
		}
		if used+int64(len(value)) > s.maxBytes {
			return ErrQuotaExceeded
		}
	}

	query := `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, namespace, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Clear removes all entries.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries`); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutWithRecovery writes value and, if the store reports it is full, clears
// the whole store and retries the write once. recovered reports whether the
// clear happened. The returned error is for logging only: callers treat the
// store as best-effort.
func PutWithRecovery(ctx context.Context, store Store, namespace, key string, value []byte) (recovered bool, err error) {
	err = store.Put(ctx, namespace, key, value)
	if err == nil || !errors.Is(err, ErrQuotaExceeded) {
		return false, err
	}

	if clearErr := store.Clear(ctx); clearErr != nil {
		return false, fmt.Errorf("%w; clear store: %v", err, clearErr)
	}
	if err := store.Put(ctx, namespace, key, value); err != nil {
		return true, fmt.Errorf("retry after clear: %w", err)
	}
	return true, nil
}
