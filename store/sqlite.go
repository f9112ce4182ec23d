package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
  key  TEXT PRIMARY KEY,
  data BLOB NOT NULL
)`

// SQLite is Store in single sqlite database file.
type SQLite struct {
	path string
	db   *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, errors.Errorf("sqlite path %q is a directory, expected file", path)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, stackerr.Wrap(err)
		}
	}
	// busy_timeout + WAL reduce lock conflicts of concurrent cache writers.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, stackerr.Wrap(err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, stackerr.Wrap(err)
	}
	return &SQLite{path: path, db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return data, nil
}

func (s *SQLite) Save(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (key, data) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data`, key, data)
	return stackerr.Wrap(err)
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	return stackerr.Wrap(err)
}

func (s *SQLite) Count(ctx context.Context) (n int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n)
	return n, stackerr.Wrap(err)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return stackerr.Wrap(s.db.Close())
}
