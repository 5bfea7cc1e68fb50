package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores entries in two tables: one row per entry holding its expiry,
// and one row per field. Expired entries are ignored on read and removed on the next write.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			expires INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fields (
			key TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, name)
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON entries (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("initializing sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

const liveCondition = "(expires = 0 OR expires > ?)"

func (s SQLiteCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE key GLOB ? AND "+liveCondition+" ORDER BY key",
		pattern, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteCache) Get(ctx context.Context, key string) (Entry, error) {
	now := time.Now()
	var expires int64
	err := s.db.QueryRowContext(ctx,
		"SELECT expires FROM entries WHERE key = ? AND "+liveCondition,
		key, now.UnixNano()).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM fields WHERE key = ?", key)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()
	fields := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Entry{}, err
		}
		fields[name] = value
	}
	if err := rows.Err(); err != nil {
		return Entry{}, err
	}

	var ttl time.Duration
	if expires > 0 {
		ttl = time.Unix(0, expires).Sub(now)
	}
	return DecodeEntry(key, fields, ttl)
}

// withLiveEntry runs fn in a write transaction, after checking that key exists and has not expired.
// An expired entry is removed and reported as ErrNotFound.
func (s SQLiteCache) withLiveEntry(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var expires int64
	err = tx.QueryRowContext(ctx, "SELECT expires FROM entries WHERE key = ?", key).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	if expires > 0 && expires <= time.Now().UnixNano() {
		if err := deleteEntry(ctx, tx, key); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return ErrNotFound
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteEntry(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM fields WHERE key = ?", key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	return err
}

func (s SQLiteCache) SetField(ctx context.Context, key, field, value string) error {
	return s.withLiveEntry(ctx, key, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO fields (key, name, value) VALUES (?, ?, ?)", key, field, value)
		return err
	})
}

func (s SQLiteCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixNano()
	}
	return s.withLiveEntry(ctx, key, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE entries SET expires = ? WHERE key = ?", expires, key)
		return err
	})
}

func (s SQLiteCache) Purge(ctx context.Context, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteEntry(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Increment(ctx context.Context, key, field string) (int64, error) {
	var n int64
	err := s.withLiveEntry(ctx, key, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			"SELECT value FROM fields WHERE key = ? AND name = ?", key, field).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			n = 0
		case err != nil:
			return err
		default:
			if n, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return ErrNotInteger
			}
		}
		n++
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO fields (key, name, value) VALUES (?, ?, ?)",
			key, field, strconv.FormatInt(n, 10))
		return err
	})
	return n, err
}

func (s SQLiteCache) Put(ctx context.Context, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteEntry(ctx, tx, entry.Key); err != nil {
		return err
	}
	var expires int64
	if entry.TTL > 0 {
		expires = time.Now().Add(entry.TTL).UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries (key, expires) VALUES (?, ?)", entry.Key, expires); err != nil {
		return err
	}
	for name, value := range entry.Fields() {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fields (key, name, value) VALUES (?, ?, ?)", entry.Key, name, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
