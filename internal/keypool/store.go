package keypool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // driver for the optional sqlite-backed KeyStore

	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// storedKey is the on-disk/in-table shape for a credential.
type storedKey struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// KeyStore owns the bearer credential list. It exposes a read-only
// snapshot and supports atomic reload, plus a terminal "invalid" mark for
// keys whose upstream auth has permanently failed, a state that does not
// recover from retrying.
type KeyStore struct {
	mu      sync.RWMutex
	keys    []Key
	invalid map[string]bool

	driver   string // "file" | "sqlite"
	path     string // keys.json path or sqlite DSN
}

// NewFileStore builds a KeyStore backed by a JSON file containing
// `[{"id":..., "secret":...}, ...]`. Missing file is not an error — it
// yields an empty pool.
func NewFileStore(path string) (*KeyStore, error) {
	s := &KeyStore{driver: "file", path: path, invalid: map[string]bool{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore builds a KeyStore backed by a `keys` table in the sqlite
// database at dsn. The table is created if absent.
func NewSQLiteStore(dsn string) (*KeyStore, error) {
	s := &KeyStore{driver: "sqlite", path: dsn, invalid: map[string]bool{}}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) ensureSchema() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("keypool: open sqlite %s: %w", s.path, err)
	}
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS keys (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL
	)`)
	return err
}

// List returns a stable-order snapshot of every key, including invalid
// ones — callers (KeyScheduler) filter invalid keys out themselves.
func (s *KeyStore) List() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// IsInvalid reports whether key id has been permanently marked invalid.
func (s *KeyStore) IsInvalid(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalid[id]
}

// MarkInvalid permanently excludes a key from scheduling until the next
// explicit Reload (an operator POST /reload), mirroring the
// IsPermanentAuthFailure / MarkInvalid pairing used for credential state.
func (s *KeyStore) MarkInvalid(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[id] = true
	obslog.Warn("keypool: key %s marked invalid", id)
}

// Reload atomically replaces the key list from the backing store. Newly
// loaded keys start valid; any id previously marked invalid is cleared,
// giving the operator a reload-to-recover path.
func (s *KeyStore) Reload() error {
	var loaded []storedKey
	var err error

	switch s.driver {
	case "sqlite":
		loaded, err = s.loadFromSQLite()
	default:
		loaded, err = s.loadFromFile()
	}
	if err != nil {
		return err
	}

	keys := make([]Key, len(loaded))
	for i, k := range loaded {
		keys[i] = Key{ID: k.ID, Secret: k.Secret, Index: i}
	}

	s.mu.Lock()
	s.keys = keys
	s.invalid = map[string]bool{}
	s.mu.Unlock()

	obslog.Info("keypool: reloaded %d key(s) from %s", len(keys), s.driver)
	return nil
}

func (s *KeyStore) loadFromFile() ([]storedKey, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keypool: read %s: %w", s.path, err)
	}
	var loaded []storedKey
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("keypool: parse %s: %w", s.path, err)
	}
	return loaded, nil
}

func (s *KeyStore) loadFromSQLite() ([]storedKey, error) {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("keypool: open sqlite %s: %w", s.path, err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT id, secret FROM keys ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("keypool: query keys: %w", err)
	}
	defer rows.Close()

	var loaded []storedKey
	for rows.Next() {
		var k storedKey
		if err := rows.Scan(&k.ID, &k.Secret); err != nil {
			return nil, err
		}
		loaded = append(loaded, k)
	}
	return loaded, rows.Err()
}
