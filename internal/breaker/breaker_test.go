package breaker

import (
	"errors"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		Threshold:           3,
		RecoveryTimeout:     20 * time.Millisecond,
		HalfOpenMaxTests:    1,
		MaxRecoveryAttempts: 3,
		MaxBackoff:          time.Second,
	}
}

func TestIsAllowedClosedFastPath(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	if !r.IsAllowed("svc") {
		t.Fatal("expected closed breaker to allow")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	if r.IsAllowed("svc") {
		t.Fatal("expected breaker to be open after reaching threshold")
	}
	snap := r.Snapshot("svc")
	if snap.State != Open {
		t.Fatalf("expected state open, got %s", snap.State)
	}
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	time.Sleep(30 * time.Millisecond)
	if !r.IsAllowed("svc") {
		t.Fatal("expected breaker to allow one half-open probe after recovery timeout")
	}
	if r.IsAllowed("svc") {
		t.Fatal("expected second concurrent half-open probe to be denied")
	}
}

func TestResetIdempotence(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	r.Reset("svc")
	r.RecordSuccess("svc")
	r.RecordSuccess("svc")
	snap := r.Snapshot("svc")
	if snap.State != Closed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected closed/zeroed state after reset+successes, got %+v", snap)
	}
}

func TestPermanentDisableAfterMaxRecoveryAttempts(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(40 * time.Millisecond)
		r.IsAllowed("svc") // force open->half_open transition
		r.RecordFailure("svc", 1, errors.New("still down"))
	}
	snap := r.Snapshot("svc")
	if !snap.PermanentlyDisabled {
		t.Fatalf("expected permanently disabled after %d recovery attempts, got %+v", snap.RecoveryAttempts, snap)
	}
	if snap.State != Open {
		t.Fatalf("expected state open, got %s", snap.State)
	}
	if r.IsAllowed("svc") {
		t.Fatal("expected permanently disabled breaker to never allow")
	}
}

func TestDetectSystemLockdown(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy()})
	for i := 0; i < 3; i++ {
		r.RecordFailure("a", 1, errors.New("boom"))
		r.RecordFailure("b", 1, errors.New("boom"))
	}
	if !r.DetectSystemLockdown([]string{"a", "b"}) {
		t.Fatal("expected lockdown detected when all critical breakers open")
	}
	r.EmergencyReleaseLockdown([]string{"a", "b"})
	if r.DetectSystemLockdown([]string{"a", "b"}) {
		t.Fatal("expected lockdown cleared after emergency release")
	}
}

type fakeStore struct {
	saved []PersistedState
}

func (f *fakeStore) Save(states []PersistedState) error {
	f.saved = append(f.saved, states...)
	return nil
}

func TestDebouncedPersistCollapsesRapidTransitions(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy(), Store: store, DebounceWindow: 15 * time.Millisecond})

	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	r.Reset("svc")

	time.Sleep(40 * time.Millisecond)
	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one persisted write after debounce settles, got %d: %+v", len(store.saved), store.saved)
	}
}

func TestRecordSuccessPersistsHalfOpenToClosedTransition(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy(), Store: store, DebounceWindow: 15 * time.Millisecond})

	for i := 0; i < 3; i++ {
		r.RecordFailure("svc", 1, errors.New("boom"))
	}
	time.Sleep(25 * time.Millisecond) // past RecoveryTimeout, Open -> HalfOpen on next IsAllowed
	if !r.IsAllowed("svc") {
		t.Fatal("expected half-open breaker to allow its probe")
	}

	var gotTransition bool
	r.onTransition = func(name string, from, to State) {
		if name == "svc" && from == HalfOpen && to == Closed {
			gotTransition = true
		}
	}
	r.RecordSuccess("svc")

	snap := r.Snapshot("svc")
	if snap.State != Closed {
		t.Fatalf("expected state closed after half-open success, got %s", snap.State)
	}
	if !gotTransition {
		t.Fatal("expected onTransition(svc, HalfOpen, Closed) to fire")
	}

	time.Sleep(40 * time.Millisecond)
	if len(store.saved) != 1 {
		t.Fatalf("expected exactly one persisted write after half-open success, got %d: %+v", len(store.saved), store.saved)
	}
}

func TestCorePolicyIsMoreTolerant(t *testing.T) {
	r := NewRegistry(RegistryConfig{DefaultPolicy: testPolicy(), CorePolicy: CorePolicy(), CoreTargets: []string{"core-svc"}})
	for i := 0; i < 3; i++ {
		r.RecordFailure("core-svc", 1, errors.New("boom"))
	}
	if !r.IsAllowed("core-svc") {
		t.Fatal("core target should tolerate threshold failures below its relaxed policy")
	}
}
