package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLiteKV stores preferences in a single-table sqlite file on the device.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the sqlite file at path. A leading
// "~" is expanded to the home directory; ":memory:" opens a private
// in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteKV, error) {
	dsn := path
	if path != ":memory:" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("could not resolve preferences path '%s': %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
			return nil, fmt.Errorf("could not create preferences directory: %w", err)
		}
		dsn = expanded
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open preferences database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("preferences database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare preferences schema: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

func (k *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query failed: %w", err)
	}
	return v, true, nil
}

func (k *SQLiteKV) Set(ctx context.Context, key, value string) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

func (k *SQLiteKV) Close() error { return k.db.Close() }
