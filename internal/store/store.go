// Package store provides a SQLite-backed durable key-value store for local
// client state: the notification log, cached profiles, and similar small
// payloads that must survive restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/DIGONADA/candlelife-85/internal/domain"
)

// schemaVersion is incremented when the schema changes. A bump forces a
// rebuild of the kv table.
const schemaVersion = 1

// Store is a durable key-value store backed by SQLite.
type Store struct {
	db     *sql.DB
	dbPath string

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// createSchema creates the database schema, handling version migrations.
func createSchema(db *sql.DB) error {
	// Create metadata table for version tracking
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`)
	if err != nil {
		return err
	}

	// Check current schema version
	var currentVersion int
	row := db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'")
	if err := row.Scan(&currentVersion); err != nil {
		// No version found, this is a new database
		currentVersion = 0
	}

	// If schema version is outdated, drop and recreate the kv table
	if currentVersion != 0 && currentVersion < schemaVersion {
		log.Info().
			Int("old_version", currentVersion).
			Int("new_version", schemaVersion).
			Msg("schema version changed, rebuilding local store")

		_, _ = db.Exec("DROP TABLE IF EXISTS kv")
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	// Update schema version
	_, err = db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
	return err
}

// Get returns the value for key, or nil when the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

// GetJSON reads the value for key and unmarshals it into out. Returns
// false when the key is absent.
func (s *Store) GetJSON(key string, out interface{}) (bool, error) {
	data, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// PutJSON marshals value and stores it under key.
func (s *Store) PutJSON(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]interface{} {
	var count int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count)

	return map[string]interface{}{
		"keys":    count,
		"db_path": s.dbPath,
	}
}

// Close closes the store. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return nil
}
