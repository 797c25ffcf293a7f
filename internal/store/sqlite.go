// Package store keeps local wintermute settings in a SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/wintermute/internal/credential"
)

// ErrInvalidKey is returned for an empty or malformed setting key.
var ErrInvalidKey = errors.New("invalid setting key")

// Setting is one stored key/value pair.
type Setting struct {
	Key       string
	Value     string
	Secret    bool
	UpdatedAt time.Time
}

// Settings defines the interface for settings persistence.
type Settings interface {
	SetConfig(key, value string) error
	// GetConfig reports false when the key was never set.
	GetConfig(key string) (string, bool, error)
	ListConfig() ([]Setting, error)
	DeleteConfig(key string) error
	Close() error
}

// SQLiteStore stores settings in a single configuration table. Values of
// secret keys are encrypted before they reach the database.
type SQLiteStore struct {
	db    *sql.DB
	creds *credential.Manager
}

var _ Settings = (*SQLiteStore)(nil)

// DefaultPath is ~/.wintermute/wintermute.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".wintermute", "wintermute.db"), nil
}

// NewSQLiteStore opens (creating if needed) the settings database at dbPath.
// creds may be nil, in which case secrets are stored as given.
func NewSQLiteStore(dbPath string, creds *credential.Manager) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time keeps SQLite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, creds: creds}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS configuration (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SetConfig(key, value string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if credential.IsSecretKey(key) && s.creds != nil {
		sealed, err := s.creds.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		value = sealed
	}

	query := `INSERT INTO configuration (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetConfig(key string) (string, bool, error) {
	row := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	value, err := s.reveal(key, value)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ListConfig returns every setting, decrypted, sorted by key.
func (s *SQLiteStore) ListConfig() ([]Setting, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM configuration`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var st Setting
		var updated int64
		if err := rows.Scan(&st.Key, &st.Value, &updated); err != nil {
			return nil, err
		}
		st.UpdatedAt = time.Unix(updated, 0)
		if st.Value, err = s.reveal(st.Key, st.Value); err != nil {
			return nil, err
		}
		st.Secret = credential.IsSecretKey(st.Key)
		settings = append(settings, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings, nil
}

// DeleteConfig removes key. Removing an unset key is not an error.
func (s *SQLiteStore) DeleteConfig(key string) error {
	if _, err := s.db.Exec(`DELETE FROM configuration WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) reveal(key, value string) (string, error) {
	if !credential.IsEncrypted(value) {
		return value, nil
	}
	if s.creds == nil {
		return "", fmt.Errorf("%s is encrypted but no credential manager is configured", key)
	}
	plain, err := s.creds.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

// validKey accepts dotted lower-case names such as "ollama.url".
func validKey(key string) bool {
	if key == "" || key[0] == '.' || key[len(key)-1] == '.' {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}
