// Package sqlite implements [state.Store] on top of a device-local SQLite
// database file.
//
// The store is a single key/value table: the saved tuple is serialized to
// JSON and written under a namespaced key, so the schema survives additions
// to the state types without migrations. SQLite is opened in WAL mode with
// a busy timeout, matching how the rest of the file is expected to be used:
// one process, occasional concurrent readers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fable-audio/fablevoice/pkg/state"
)

// Compile-time interface assertion.
var _ state.Store = (*Store)(nil)

// defaultNamespace prefixes the storage key so unrelated tools sharing the
// database file cannot collide with the engine's save.
const defaultNamespace = "fablevoice"

const schema = `
CREATE TABLE IF NOT EXISTS saved_state (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithNamespace sets the key namespace. Default: "fablevoice".
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// Store persists the saved tuple in a SQLite file.
// All methods are safe for concurrent use.
type Store struct {
	db        *sql.DB
	namespace string
}

// Open opens (creating if needed) the SQLite store at path and ensures the
// schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}

	s := &Store{db: db, namespace: defaultNamespace}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// key is the namespaced row key for the saved tuple.
func (s *Store) key() string {
	return s.namespace + ":state"
}

// Load returns the previously saved state, or (nil, nil) when nothing has
// been saved yet.
func (s *Store) Load(ctx context.Context) (*state.SavedState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM saved_state WHERE key = ?`, s.key(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}

	var saved state.SavedState
	if err := json.Unmarshal(raw, &saved); err != nil {
		return nil, fmt.Errorf("sqlite: decode saved state: %w", err)
	}
	return &saved, nil
}

// Save writes the state, replacing any previous save.
func (s *Store) Save(ctx context.Context, st state.SavedState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: encode saved state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.key(), raw, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save: %w", err)
	}
	return nil
}

// Clear removes the saved state. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM saved_state WHERE key = ?`, s.key(),
	); err != nil {
		return fmt.Errorf("sqlite: clear: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
