package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS metadata (
    identity    TEXT PRIMARY KEY,
    data        BLOB NOT NULL,
    signature   BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS write_locks (
    identity    TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    nonce       INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
`

// SQLiteStorage persists metadata documents and write locks in SQLite.
type SQLiteStorage struct {
	db  *sql.DB
	ttl time.Duration
	log *slog.Logger
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string, log *slog.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStorage{db: db, ttl: DefaultLockTTL, log: log}, nil
}

// SetLockTTL overrides the lock expiry.
func (s *SQLiteStorage) SetLockTTL(ttl time.Duration) {
	s.ttl = ttl
}

func (s *SQLiteStorage) GetMetadata(ctx context.Context, identity string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM metadata WHERE identity = ?`, identity).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug("Metadata not found in sqlite", slog.String("identity", identity))
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	return data, nil
}

func (s *SQLiteStorage) SetMetadataStream(ctx context.Context, items []Item) error {
	if err := verifyItems(items); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (identity, data, signature, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET data = excluded.data, signature = excluded.signature, updated_at = excluded.updated_at`,
			item.Identity, item.Data, item.Signature, now)
		if err != nil {
			return fmt.Errorf("upsert metadata %s: %w", item.Identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.log.Debug("Stored metadata stream", slog.Int("items", len(items)))
	return nil
}

func (s *SQLiteStorage) AcquireWriteLock(ctx context.Context, identity string, nonce int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM write_locks WHERE identity = ? AND expires_at < ?`,
		identity, now.UnixNano()); err != nil {
		return "", fmt.Errorf("expire lock: %w", err)
	}

	token := uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO write_locks (identity, token, nonce, expires_at) VALUES (?, ?, ?, ?)`,
		identity, token, nonce, now.Add(s.ttl).UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			s.log.Debug("Write lock contention", slog.String("identity", identity), slog.Int("nonce", nonce))
			return "", ErrLockContention
		}
		return "", fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return token, nil
}

func (s *SQLiteStorage) ReleaseWriteLock(ctx context.Context, identity, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM write_locks WHERE identity = ? AND token = ?`, identity, token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (s *SQLiteStorage) DeleteMetadata(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
