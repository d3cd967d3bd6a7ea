package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a persistent Provider backed by a SQLite database.
// Each tier uses its own table inside a shared database file.
type SQLiteCache struct {
	db         *sql.DB
	table      string
	writeMutex *sync.Mutex
}

// NewSQLiteCache opens (and if needed initializes) the given table in
// the given database file. Use "file::memory:?cache=shared" for an
// in-memory database.
func NewSQLiteCache(filename, table string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, cache_control TEXT, stored_at INTEGER, expires INTEGER, tag TEXT, value BLOB)", table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires)", table, table),
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLiteCache{
		db:         db,
		table:      table,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteCache) Get(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt, expires int64
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT cache_control, stored_at, expires, tag, value FROM %s WHERE key = ?", s.table), key).
		Scan(&entry.Meta.CacheControl, &storedAt, &expires, &entry.Meta.Tag, &entry.Value)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.Meta.StoredAt = time.Unix(storedAt, 0)
	if expires != 0 {
		entry.Meta.Expires = time.Unix(expires, 0)
	}
	if expired(entry, time.Now()) {
		s.Delete(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *SQLiteCache) Set(entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var expires int64
	if !entry.Meta.Expires.IsZero() {
		expires = entry.Meta.Expires.Unix()
	}
	_, err := s.db.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %s (key, cache_control, stored_at, expires, tag, value) VALUES (?, ?, ?, ?, ?, ?)", s.table),
		entry.Key, entry.Meta.CacheControl, entry.Meta.StoredAt.Unix(), expires, entry.Meta.Tag, entry.Value)
	return err
}

func (s *SQLiteCache) Has(key string) bool {
	var one int
	err := s.db.QueryRow(
		fmt.Sprintf("SELECT 1 FROM %s WHERE key = ?", s.table), key).Scan(&one)
	return err == nil
}

func (s *SQLiteCache) Delete(key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
}

func (s *SQLiteCache) Size() int {
	var count int
	if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *SQLiteCache) Clear() {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.table))
}

func (s *SQLiteCache) Export(tag string) ([]Entry, error) {
	query := fmt.Sprintf("SELECT key, cache_control, stored_at, expires, tag, value FROM %s", s.table)
	args := []any{}
	if tag != "" {
		query += " WHERE tag = ?"
		args = append(args, tag)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var storedAt, expires int64
		if err := rows.Scan(&entry.Key, &entry.Meta.CacheControl, &storedAt, &expires, &entry.Meta.Tag, &entry.Value); err != nil {
			return entries, err
		}
		entry.Meta.StoredAt = time.Unix(storedAt, 0)
		if expires != 0 {
			entry.Meta.Expires = time.Unix(expires, 0)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteCache) Import(entries []Entry) error {
	for _, entry := range entries {
		if err := s.Set(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteCache) Keys(cb func(string)) {
	rows, err := s.db.Query(fmt.Sprintf("SELECT key FROM %s", s.table))
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}
