// Package opstate is a small namespaced key-value store for state that
// must outlive the process: operator acknowledgments, and whatever else
// the monitor needs to remember across a restart. Readings themselves
// are never written here.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_entries (
	scope      TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	written_ms INTEGER NOT NULL,
	PRIMARY KEY (scope, name)
) WITHOUT ROWID;
`

// Store is a namespaced key-value store backed by SQLite. It is safe
// for concurrent use.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore opens (or creates) the database at dbPath. The parent
// directory must already exist.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema in %s: %w", dbPath, err)
	}
	return &Store{db: db, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// entry fetches one row. ok is false when it does not exist.
func (s *Store) entry(namespace, key string) (value string, written time.Time, ok bool, err error) {
	var ms int64
	err = s.db.QueryRow(
		`SELECT value, written_ms FROM state_entries WHERE scope = ? AND name = ?`,
		namespace, key,
	).Scan(&value, &ms)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", time.Time{}, false, nil
	case err != nil:
		return "", time.Time{}, false, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return value, time.UnixMilli(ms).UTC(), true, nil
}

// Get returns the value stored under namespace/key, or "" when the key
// does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	v, _, _, err := s.entry(namespace, key)
	return v, err
}

// UpdatedAt returns when namespace/key was last written, at millisecond
// precision. ok is false when the key does not exist.
func (s *Store) UpdatedAt(namespace, key string) (time.Time, bool, error) {
	_, at, ok, err := s.entry(namespace, key)
	return at, ok, err
}

// Set upserts namespace/key and stamps it with the current time.
func (s *Store) Set(namespace, key, value string) error {
	return s.exec("write "+namespace+"/"+key,
		`INSERT INTO state_entries (scope, name, value, written_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, name) DO UPDATE SET value = excluded.value, written_ms = excluded.written_ms`,
		namespace, key, value, s.nowFunc().UnixMilli())
}

// Delete removes namespace/key. A missing key is not an error.
func (s *Store) Delete(namespace, key string) error {
	return s.exec("delete "+namespace+"/"+key,
		`DELETE FROM state_entries WHERE scope = ? AND name = ?`, namespace, key)
}

// DeleteNamespace removes every key in namespace.
func (s *Store) DeleteNamespace(namespace string) error {
	return s.exec("clear "+namespace,
		`DELETE FROM state_entries WHERE scope = ?`, namespace)
}

func (s *Store) exec(op, query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// List returns every key/value pair in namespace. The map is never nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT name, value FROM state_entries WHERE scope = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("list %s: %w", namespace, err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	return out, nil
}
