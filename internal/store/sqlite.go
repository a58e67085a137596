package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/salesbot/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Backend using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed document store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, doc_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get retrieves one document.
func (s *SQLiteStore) Get(ctx context.Context, c Collection, id string) ([]byte, error) {
	query := `SELECT value FROM documents WHERE collection = ? AND doc_id = ?`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, string(c), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document %s/%s: %w", c, id, err)
	}
	return value, nil
}

// Put creates or replaces one document.
func (s *SQLiteStore) Put(ctx context.Context, c Collection, id string, value []byte) error {
	query := `
	INSERT INTO documents (collection, doc_id, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, doc_id) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, s.retry, "put", func() error {
		_, err := s.db.ExecContext(ctx, query, string(c), id, value, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", c, id, err)
	}
	return nil
}

// Delete removes one document.
func (s *SQLiteStore) Delete(ctx context.Context, c Collection, id string) error {
	query := `DELETE FROM documents WHERE collection = ? AND doc_id = ?`
	err := shared.RetryOnConflict(ctx, s.retry, "delete", func() error {
		_, err := s.db.ExecContext(ctx, query, string(c), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", c, id, err)
	}
	return nil
}

// List returns every document in a collection.
func (s *SQLiteStore) List(ctx context.Context, c Collection) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, value FROM documents WHERE collection = ?`, string(c))
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", c, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close collection rows", "error", closeErr)
		}
	}()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scan collection %s row: %w", c, err)
		}
		out[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection %s: %w", c, err)
	}
	return out, nil
}

// Clear removes every document in a collection.
func (s *SQLiteStore) Clear(ctx context.Context, c Collection) error {
	err := shared.RetryOnConflict(ctx, s.retry, "clear", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, string(c))
		return err
	})
	if err != nil {
		return fmt.Errorf("clear collection %s: %w", c, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
