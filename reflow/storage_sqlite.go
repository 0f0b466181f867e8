package reflow

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// SqliteStorage keeps slots in a sqlite database file.
// Multiple processes may open the same file.
type SqliteStorage struct {
	db *sql.DB
}

func OpenSqliteStorage(path string) (*SqliteStorage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SqliteStorage{
		db: db,
	}, nil
}

func (self *SqliteStorage) Get(key string) ([]byte, bool, error) {
	var data []byte
	err := self.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (self *SqliteStorage) Set(key string, data []byte) error {
	_, err := self.db.Exec(
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		data,
		time.Now().UnixMilli(),
	)
	return err
}

func (self *SqliteStorage) Delete(key string) error {
	_, err := self.db.Exec(`DELETE FROM records WHERE key = ?`, key)
	return err
}

func (self *SqliteStorage) Close() error {
	return self.db.Close()
}
