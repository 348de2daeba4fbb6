package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteCache struct {
	s    *SQLiteStorage
	id   int64
	name string
}

// NewSQLiteStorage opens a cache storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	memory := filename == ""
	var dsn string
	if memory {
		// every in-memory storage gets its own shared-cache db
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		sep := "?"
		if strings.Contains(filename, "?") {
			sep = "&"
		}
		dsn = filename + sep + "_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", filename, err)
	}
	if memory {
		// the db lives as long as a connection to it does
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (cache_id, key)
		)`,
	}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id); err != nil {
		return nil, err
	}
	return &sqliteCache{s: s, id: id, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := c.s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE cache_id = ? AND key = ?", c.id, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, bytes []byte) error {
	return c.PutAll(ctx, []Entry{{Key: key, StoredAt: time.Now(), Bytes: bytes}})
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE id = ?", c.id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", c.name, ErrCacheNotFound)
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(cache_id, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			c.id, e.Key, storedAt.Unix(), e.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	result, err := c.s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache_id = ? AND key = ?", c.id, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context, cb func(string)) error {
	rows, err := c.s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE cache_id = ? ORDER BY rowid ASC", c.id)
	if err != nil {
		return err
	}
	// collect first so the callback may use the storage
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
