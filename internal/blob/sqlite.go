package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists payloads in a single SQLite file.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create blob directory failed: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open blob database failed: %w", err)
	}
	// SQLite allows a single writer
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init blob schema failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		mime       TEXT NOT NULL,
		size       INTEGER NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blobs_created_at ON blobs(created_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Put stores data. Storing identical content twice keeps the first copy.
func (s *SQLiteStore) Put(ctx context.Context, data []byte, mime string) (Meta, error) {
	if len(data) == 0 {
		return Meta{}, ErrEmpty
	}
	meta := Meta{Key: Key(data), MIME: mime, Size: int64(len(data)), CreatedAt: time.Now().UTC()}

	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (key, mime, size, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, meta.Key, meta.MIME, meta.Size, data, meta.CreatedAt.UnixMilli())
	if err != nil {
		return Meta{}, fmt.Errorf("insert blob: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, Meta, error) {
	var (
		data    []byte
		meta    = Meta{Key: key}
		created int64
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT mime, size, data, created_at FROM blobs WHERE key = ?`, key,
	).Scan(&meta.MIME, &meta.Size, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Meta{}, ErrNotFound
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("query blob: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(created).UTC()
	return data, meta, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
