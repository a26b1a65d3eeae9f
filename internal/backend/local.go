package backend

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// MemoryDSN opens a private in-memory database, mostly for tests.
const MemoryDSN = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Local is the durable tier: a single SQLite table keyed by item key.
type Local struct {
	db *sql.DB
}

// OpenLocal opens (creating if needed) the SQLite database at path.
func OpenLocal(path string) (*Local, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "local storage path is required")
	}

	dsn := MemoryDSN
	if path != MemoryDSN {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryDSN {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Local{db: db}, nil
}

// Name implements types.Backend.
func (l *Local) Name() types.TierType { return types.TierLocal }

// Read implements types.Backend.
func (l *Local) Read(ctx context.Context, key string) ([]byte, error) {
	if err := checkContext(ctx, types.TierLocal, "read"); err != nil {
		return nil, err
	}

	var value []byte
	err := l.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(string(types.TierLocal), key)
	}
	if err != nil {
		return nil, storageError(errors.ErrCodeStorageRead, "read", key, err)
	}
	return value, nil
}

// Write implements types.Backend.
func (l *Local) Write(ctx context.Context, key string, raw []byte) error {
	if err := checkContext(ctx, types.TierLocal, "write"); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, raw, time.Now().UnixMilli())
	if err != nil {
		return storageError(errors.ErrCodeStorageWrite, "write", key, err)
	}
	return nil
}

// Delete implements types.Backend. Deleting a missing key is not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx, types.TierLocal, "delete"); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return storageError(errors.ErrCodeStorageDelete, "delete", key, err)
	}
	return nil
}

// ClearAll implements types.Backend.
func (l *Local) ClearAll(ctx context.Context) error {
	if err := checkContext(ctx, types.TierLocal, "clear"); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return storageError(errors.ErrCodeStorageDelete, "clear", "", err)
	}
	return nil
}

// Keys implements types.Backend.
func (l *Local) Keys(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, storageError(errors.ErrCodeStorageRead, "keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageError(errors.ErrCodeStorageRead, "keys", "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(errors.ErrCodeStorageRead, "keys", "", err)
	}
	return keys, nil
}

// Close implements types.Backend.
func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func storageError(code errors.ErrorCode, op, key string, cause error) *errors.StoreError {
	return errors.NewError(code, "sqlite "+op+" failed").
		WithComponent(string(types.TierLocal)).
		WithOperation(op).
		WithKey(key).
		WithCause(cause)
}
