package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/agentcore/agentcore/internal/breaker"

	_ "modernc.org/sqlite"
)

// BreakerStore extends breaker.Store with the read side needed to
// warm-start the registry from a prior run (SPEC_FULL.md's breaker
// persistence extension).
type BreakerStore interface {
	breaker.Store
	Load() ([]breaker.PersistedState, error)
}

// json5Store persists breaker disable-state to a flat JSON5 file, kept
// readable so an operator can hand-edit it (SPEC_FULL.md's ambient-stack
// note on json5 readability).
type json5Store struct {
	mu   sync.Mutex
	path string
}

func newJSON5Store(path string) *json5Store {
	return &json5Store{path: path}
}

func (s *json5Store) Save(states []breaker.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create breaker state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *json5Store) Load() ([]breaker.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}
	var states []breaker.PersistedState
	if err := json5.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse breaker state: %w", err)
	}
	return states, nil
}

// sqliteStore persists breaker disable-state to a modernc.org/sqlite
// table, for deployments that already run with a sqlite-backed database.
type sqliteStore struct {
	db *sql.DB
}

func newSQLiteStore(dsn string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open breaker sqlite store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS breaker_state (
	name TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL,
	disabled_reason TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create breaker_state table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Save(states []breaker.PersistedState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin breaker state tx: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
INSERT INTO breaker_state (name, enabled, disabled_reason) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, disabled_reason = excluded.disabled_reason`
	for _, st := range states {
		enabled := 0
		if st.Enabled {
			enabled = 1
		}
		if _, err := tx.Exec(upsert, st.Name, enabled, string(st.DisabledReason)); err != nil {
			return fmt.Errorf("save breaker state for %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load() ([]breaker.PersistedState, error) {
	rows, err := s.db.Query(`SELECT name, enabled, disabled_reason FROM breaker_state`)
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	defer rows.Close()

	var states []breaker.PersistedState
	for rows.Next() {
		var (
			name    string
			enabled int
			reason  string
		)
		if err := rows.Scan(&name, &enabled, &reason); err != nil {
			return nil, fmt.Errorf("scan breaker state: %w", err)
		}
		states = append(states, breaker.PersistedState{
			Name:           name,
			Enabled:        enabled != 0,
			DisabledReason: breaker.DisabledReason(reason),
		})
	}
	return states, rows.Err()
}
