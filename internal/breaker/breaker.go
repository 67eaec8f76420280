// Package breaker implements the per-target circuit breaker registry that
// gates calls to model backends and tool providers.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore/agentcore/internal/infra"
)

// State is one of the three circuit-breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// DisabledReason mirrors the persisted reason a provider was disabled.
type DisabledReason string

const (
	ReasonUserDisabled        DisabledReason = "user_disabled"
	ReasonCircuitOpened       DisabledReason = "circuit_breaker_opened"
	ReasonPermanentlyDisabled DisabledReason = "permanently_disabled"
)

// Policy holds the per-target tunables. Core targets get relaxed values.
type Policy struct {
	Threshold         int
	RecoveryTimeout   time.Duration
	HalfOpenMaxTests  int
	MaxRecoveryAttempts int
	MaxBackoff        time.Duration
}

// DefaultPolicy is applied to ordinary targets.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:           5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxTests:    1,
		MaxRecoveryAttempts: 10,
		MaxBackoff:          300 * time.Second,
	}
}

// CorePolicy is applied to targets in the core-service set: more failures
// are tolerated and recovery is attempted sooner.
func CorePolicy() Policy {
	p := DefaultPolicy()
	p.Threshold = 10
	p.RecoveryTimeout = 30 * time.Second
	return p
}

// Breaker is the per-target state machine described by the registry's
// is_allowed / record_success / record_failure / reset contract. It is
// never constructed directly by callers; use Registry.Get.
type Breaker struct {
	mu sync.Mutex

	name   string
	policy Policy

	state               State
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	recoveryAttempts    int
	permanentlyDisabled bool
	disabledUntil       time.Time
	lastError           error

	halfOpenProbesIssued int
}

func newBreaker(name string, policy Policy) *Breaker {
	return &Breaker{name: name, policy: policy, state: Closed}
}

// Snapshot is an immutable view of a breaker's state, used for persistence
// and status reporting.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	TotalFailures       int
	TotalSuccesses      int
	RecoveryAttempts    int
	PermanentlyDisabled bool
	DisabledUntil       time.Time
	LastError           error
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		RecoveryAttempts:    b.recoveryAttempts,
		PermanentlyDisabled: b.permanentlyDisabled,
		DisabledUntil:       b.disabledUntil,
		LastError:           b.lastError,
	}
}

// Snapshot returns the current state under lock.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// isAllowedLocked implements the is_allowed transition logic. Must hold b.mu.
func (b *Breaker) isAllowedLocked(now time.Time) bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.permanentlyDisabled {
			return false
		}
		if now.Before(b.disabledUntil) {
			return false
		}
		b.state = HalfOpen
		b.halfOpenProbesIssued = 0
		return b.isAllowedLocked(now)
	case HalfOpen:
		if b.halfOpenProbesIssued >= b.policy.HalfOpenMaxTests {
			return false
		}
		b.halfOpenProbesIssued++
		return true
	default:
		return true
	}
}

func (b *Breaker) recordSuccessLocked() (transitionedToClosed bool) {
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.consecutiveFailures = 0
		b.recoveryAttempts = 0
		b.halfOpenProbesIssued = 0
		transitionedToClosed = true
	case Closed:
		b.consecutiveFailures = 0
	}
	b.totalSuccesses++
	b.lastError = nil
	return transitionedToClosed
}

func (b *Breaker) recordFailureLocked(now time.Time, weight int, err error) (transitionedToOpen bool) {
	if weight <= 0 {
		weight = 1
	}
	b.totalFailures += weight
	b.lastError = err

	switch b.state {
	case Closed:
		b.consecutiveFailures += weight
		if b.consecutiveFailures >= b.policy.Threshold {
			b.state = Open
			b.disabledUntil = now.Add(b.policy.RecoveryTimeout)
			transitionedToOpen = true
		}
	case HalfOpen:
		b.recoveryAttempts++
		if b.recoveryAttempts >= b.policy.MaxRecoveryAttempts {
			b.permanentlyDisabled = true
			b.state = Open
			b.disabledUntil = time.Time{}.Add(1 << 62) // effectively +inf
		} else {
			backoff := time.Duration(float64(b.policy.RecoveryTimeout) * pow2(b.recoveryAttempts-1))
			if backoff > b.policy.MaxBackoff {
				backoff = b.policy.MaxBackoff
			}
			b.state = Open
			b.disabledUntil = now.Add(backoff)
			transitionedToOpen = true
		}
	case Open:
		// already open; nothing to do but keep the latest error.
	}
	return transitionedToOpen
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func (b *Breaker) resetLocked() {
	b.state = Closed
	b.consecutiveFailures = 0
	b.recoveryAttempts = 0
	b.permanentlyDisabled = false
	b.disabledUntil = time.Time{}
	b.halfOpenProbesIssued = 0
	b.lastError = nil
}

// PersistedState is what the debounced persistence hook writes out, per
// target, to the configured BreakerStore.
type PersistedState struct {
	Name           string
	Enabled        bool
	DisabledReason DisabledReason
}

// Store is the persistence backend for disable-state. Implementations are
// a flat JSON5 file or a modernc.org/sqlite table; either is acceptable.
type Store interface {
	Save(states []PersistedState) error
}

// OnTransition is invoked (off the caller's goroutine) whenever a breaker
// changes state, primarily so the health scheduler and observability layer
// can emit events.
type OnTransition func(name string, from, to State)

// Registry owns every named breaker for the process lifetime.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	defaultPolicy Policy
	corePolicy    Policy
	coreTargets   map[string]bool

	allowedCache *infra.TTLCache[string, bool]

	store           Store
	debounceWindow  time.Duration
	pendingVersions sync.Map // name -> *atomic.Int64

	onTransition OnTransition
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	DefaultPolicy  Policy
	CorePolicy     Policy
	CoreTargets    []string
	Store          Store
	DebounceWindow time.Duration // default 5s
	OnTransition   OnTransition
}

// NewRegistry builds a Registry. It owns the lifetime of every Breaker it
// creates; callers never construct a Breaker directly.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 5 * time.Second
	}
	dp := cfg.DefaultPolicy
	if dp.Threshold == 0 {
		dp = DefaultPolicy()
	}
	cp := cfg.CorePolicy
	if cp.Threshold == 0 {
		cp = CorePolicy()
	}
	core := make(map[string]bool, len(cfg.CoreTargets))
	for _, t := range cfg.CoreTargets {
		core[t] = true
	}
	return &Registry{
		breakers:       make(map[string]*Breaker),
		defaultPolicy:  dp,
		corePolicy:     cp,
		coreTargets:    core,
		allowedCache:   infra.NewTTLCache[string, bool](infra.CacheConfig{DefaultTTL: time.Second}),
		store:          cfg.Store,
		debounceWindow: cfg.DebounceWindow,
		onTransition:   cfg.OnTransition,
	}
}

func (r *Registry) get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	policy := r.defaultPolicy
	if r.coreTargets[name] {
		policy = r.corePolicy
	}
	b := newBreaker(name, policy)
	r.breakers[name] = b
	return b
}

// IsAllowed reports whether a call to name should proceed. The closed-state
// fast path never touches the 1s cache; open/half-open evaluation does
// consult and populate it since is_allowed is on every hot path.
func (r *Registry) IsAllowed(name string) bool {
	b := r.get(name)

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state == Closed {
		return true
	}

	if v, ok := r.allowedCache.Get(name); ok {
		return v
	}

	b.mu.Lock()
	allowed := b.isAllowedLocked(time.Now())
	b.mu.Unlock()

	r.allowedCache.SetWithTTL(name, allowed, time.Second)
	return allowed
}

// RecordSuccess records a successful call against name. A success that
// closes a half-open breaker schedules persistence and fires onTransition,
// mirroring RecordFailure's handling of the closed->open transition.
func (r *Registry) RecordSuccess(name string) {
	b := r.get(name)
	b.mu.Lock()
	closed := b.recordSuccessLocked()
	b.mu.Unlock()
	r.allowedCache.Delete(name)

	if closed {
		r.schedulePersist(name, true, "")
		if r.onTransition != nil {
			r.onTransition(name, HalfOpen, Closed)
		}
	}
}

// RecordFailure records a failed call against name, widening backoff and
// scheduling persistence if the breaker opens.
func (r *Registry) RecordFailure(name string, weight int, err error) {
	b := r.get(name)

	b.mu.Lock()
	opened := b.recordFailureLocked(time.Now(), weight, err)
	permanent := b.permanentlyDisabled
	b.mu.Unlock()

	r.allowedCache.Delete(name)

	if opened || permanent {
		reason := ReasonCircuitOpened
		if permanent {
			reason = ReasonPermanentlyDisabled
		}
		r.schedulePersist(name, false, reason)
		if r.onTransition != nil {
			r.onTransition(name, Closed, Open)
		}
	}
}

// Reset clears all counters and state for name, including permanent-disable.
func (r *Registry) Reset(name string) {
	b := r.get(name)
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
	r.allowedCache.Delete(name)
	r.schedulePersist(name, true, "")
}

// Snapshot returns the current state of name without allocating a breaker
// if one does not already exist for it — callers that only want to report
// status should prefer Stats.
func (r *Registry) Snapshot(name string) Snapshot {
	return r.get(name).Snapshot()
}

// Stats returns a snapshot of every breaker currently tracked.
func (r *Registry) Stats() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, r.get(n).Snapshot())
	}
	return out
}

// DetectSystemLockdown returns true iff every breaker named in criticalSet
// is currently open (including permanently disabled).
func (r *Registry) DetectSystemLockdown(criticalSet []string) bool {
	for _, name := range criticalSet {
		if r.get(name).Snapshot().State != Open {
			return false
		}
	}
	return len(criticalSet) > 0
}

// EmergencyReleaseLockdown force-resets every breaker in criticalSet. It is
// intended to be invoked by an operator or a periodic watchdog after
// DetectSystemLockdown fires, and the caller is expected to emit a CRITICAL
// level log alongside this call.
func (r *Registry) EmergencyReleaseLockdown(criticalSet []string) {
	for _, name := range criticalSet {
		r.Reset(name)
	}
}

// schedulePersist implements the cancel/reschedule debounce described in
// the design notes: a monotonically increasing "pending version" per name,
// with a delayed writer that only persists if its version is still current
// when its timer fires.
func (r *Registry) schedulePersist(name string, enabled bool, reason DisabledReason) {
	if r.store == nil {
		return
	}

	versionAny, _ := r.pendingVersions.LoadOrStore(name, new(atomic.Int64))
	version := versionAny.(*atomic.Int64)
	myVersion := version.Add(1)

	time.AfterFunc(r.debounceWindow, func() {
		if version.Load() != myVersion {
			return // superseded by a later transition; the newer timer will persist.
		}
		_ = r.store.Save([]PersistedState{{Name: name, Enabled: enabled, DisabledReason: reason}})
	})
}
