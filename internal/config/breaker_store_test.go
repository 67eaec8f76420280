package config

import (
	"path/filepath"
	"testing"

	"github.com/agentcore/agentcore/internal/breaker"
)

func TestJSON5StoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breaker.json5")
	store := newJSON5Store(path)

	states := []breaker.PersistedState{
		{Name: "openai", Enabled: false, DisabledReason: breaker.ReasonCircuitOpened},
		{Name: "ollama:llama", Enabled: true},
	}
	if err := store.Save(states); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 persisted states, got %d", len(loaded))
	}
	if loaded[0].Name != "openai" || loaded[0].Enabled || loaded[0].DisabledReason != breaker.ReasonCircuitOpened {
		t.Fatalf("unexpected first state: %+v", loaded[0])
	}
}

func TestJSON5StoreLoadMissingFileReturnsEmpty(t *testing.T) {
	store := newJSON5Store(filepath.Join(t.TempDir(), "absent.json5"))
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no states for a missing file, got %+v", loaded)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "breaker.sqlite")
	store, err := newSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("newSQLiteStore() error = %v", err)
	}

	states := []breaker.PersistedState{
		{Name: "anthropic", Enabled: false, DisabledReason: breaker.ReasonUserDisabled},
	}
	if err := store.Save(states); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Save again with a changed value to exercise the upsert path.
	states[0].Enabled = true
	states[0].DisabledReason = ""
	if err := store.Save(states); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 persisted state, got %d", len(loaded))
	}
	if loaded[0].Name != "anthropic" || !loaded[0].Enabled {
		t.Fatalf("expected upserted enabled state, got %+v", loaded[0])
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, err := OpenStore(BreakerPersistenceConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

func TestOpenStoreDisabled(t *testing.T) {
	store, err := OpenStore(BreakerPersistenceConfig{})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if store != nil {
		t.Fatalf("expected a nil store when no driver is configured, got %v", store)
	}
}
