package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmgilman/go/errors"
)

// SQLiteStorage implements Storage in a single SQLite database.
// Namespaces are rows of the namespaces table, entries are keyed by (namespace, key).
type SQLiteStorage struct {
	dsn        string
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite creates a storage backed by the database file at dsn.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLite(dsn string) *SQLiteStorage {
	return &SQLiteStorage{
		dsn:        dsn,
		writeMutex: &sync.Mutex{},
	}
}

// Init opens the database and creates the schema
func (s *SQLiteStorage) Init() error {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to open cache database")
	}

	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"CREATE TABLE IF NOT EXISTS namespaces (name TEXT PRIMARY KEY, created_at INTEGER NOT NULL)",
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL REFERENCES namespaces(name) ON DELETE CASCADE,
			key TEXT NOT NULL,
			bytes BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return errors.Wrap(err, errors.CodeDatabase, "failed to create cache schema")
		}
	}

	s.db = db
	return nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "failed to create namespace %s", name)
	}
	return &sqliteNamespace{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM namespaces WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "failed to look up namespace")
	}
	return true, nil
}

// Names lists namespaces in creation order
func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY created_at, rowid")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to list namespaces")
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "failed to list namespaces")
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
		return false, errors.Wrap(err, errors.CodeDatabase, "failed to begin namespace deletion")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", name); err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "failed to delete entries of %s", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "failed to delete namespace %s", name)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "failed to delete namespace")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "failed to commit namespace deletion")
	}
	return deleted > 0, nil
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT e.bytes FROM entries e
		JOIN namespaces n ON n.name = e.namespace
		WHERE e.key = ?
		ORDER BY n.created_at, n.rowid
		LIMIT 1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to match cache entry")
	}
	return value, nil
}

func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteNamespace struct {
	storage *SQLiteStorage
	name    string
}

func (n *sqliteNamespace) Name() string {
	return n.name
}

func (n *sqliteNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE namespace = ? AND key = ?", n.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to get cache entry")
	}
	return value, nil
}

func (n *sqliteNamespace) Set(ctx context.Context, key string, value []byte) error {
	n.storage.writeMutex.Lock()
	defer n.storage.writeMutex.Unlock()
	// Recreate the namespace row if cleanup removed it since Open
	if _, err := n.storage.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		n.name, time.Now().UnixNano()); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "failed to create namespace %s", n.name)
	}
	_, err := n.storage.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (namespace, key, bytes, stored_at) VALUES (?, ?, ?, ?)",
		n.name, key, value, time.Now().Unix())
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "failed to write %s in namespace %s", key, n.name)
	}
	return nil
}

func (n *sqliteNamespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE namespace = ? ORDER BY key", n.name)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to list cache keys")
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "failed to list cache keys")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var _ Storage = (*SQLiteStorage)(nil)
var _ Storage = (*DiskStorage)(nil)
