package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentcore/agentcore/internal/breaker"
)

// BreakerConfig configures the shared circuit-breaker registry that gates
// calls to model backends and tool providers (spec.md §4.1).
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens a breaker for
	// an ordinary target. Defaults to breaker.DefaultPolicy's value.
	Threshold int `yaml:"threshold"`

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open test call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// HalfOpenMaxTests caps concurrent half-open probe calls.
	HalfOpenMaxTests int `yaml:"half_open_max_tests"`

	// MaxRecoveryAttempts bounds repeated half-open failures before the
	// backoff caps out at MaxBackoff.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// MaxBackoff caps the exponential recovery backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// CoreTargets names targets that get breaker.CorePolicy's relaxed
	// tunables instead of the default policy (e.g. the primary remote
	// gateway, whose unavailability should recover aggressively).
	CoreTargets []string `yaml:"core_targets"`

	// DebounceWindow coalesces rapid state-transition persistence writes.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// Persistence configures where disable-state survives process
	// restarts (spec.md §4.1's persistence hook; extended per
	// SPEC_FULL.md to name two concrete backends).
	Persistence BreakerPersistenceConfig `yaml:"persistence"`
}

// BreakerPersistenceConfig selects and configures the breaker Store.
type BreakerPersistenceConfig struct {
	// Driver selects the backend: "json5" (default) or "sqlite". An empty
	// value disables persistence entirely.
	Driver string `yaml:"driver"`

	// Path is the JSON5 file path (driver: json5) or the sqlite DSN
	// (driver: sqlite).
	Path string `yaml:"path"`
}

func applyBreakerDefaults(cfg *BreakerConfig) {
	if cfg.Threshold == 0 {
		cfg.Threshold = breaker.DefaultPolicy().Threshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = breaker.DefaultPolicy().RecoveryTimeout
	}
	if cfg.HalfOpenMaxTests == 0 {
		cfg.HalfOpenMaxTests = breaker.DefaultPolicy().HalfOpenMaxTests
	}
	if cfg.MaxRecoveryAttempts == 0 {
		cfg.MaxRecoveryAttempts = breaker.DefaultPolicy().MaxRecoveryAttempts
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = breaker.DefaultPolicy().MaxBackoff
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = 5 * time.Second
	}
}

func validateBreakerConfig(cfg BreakerConfig) []string {
	var issues []string
	if cfg.Threshold < 0 {
		issues = append(issues, "breaker.threshold must be >= 0")
	}
	if cfg.HalfOpenMaxTests < 0 {
		issues = append(issues, "breaker.half_open_max_tests must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Persistence.Driver)) {
	case "", "json5", "sqlite":
	default:
		issues = append(issues, "breaker.persistence.driver must be \"json5\" or \"sqlite\"")
	}
	if cfg.Persistence.Driver != "" && strings.TrimSpace(cfg.Persistence.Path) == "" {
		issues = append(issues, "breaker.persistence.path is required when a driver is set")
	}
	return issues
}

// Policy converts BreakerConfig into the breaker.Policy applied to
// ordinary (non-core) targets.
func (cfg BreakerConfig) Policy() breaker.Policy {
	return breaker.Policy{
		Threshold:           cfg.Threshold,
		RecoveryTimeout:      cfg.RecoveryTimeout,
		HalfOpenMaxTests:     cfg.HalfOpenMaxTests,
		MaxRecoveryAttempts:  cfg.MaxRecoveryAttempts,
		MaxBackoff:           cfg.MaxBackoff,
	}
}

// RegistryConfig builds a breaker.RegistryConfig from BreakerConfig,
// wiring in the persistence store opened per Persistence's driver.
func (cfg BreakerConfig) RegistryConfig(store breaker.Store, onTransition breaker.OnTransition) breaker.RegistryConfig {
	return breaker.RegistryConfig{
		DefaultPolicy:  cfg.Policy(),
		CorePolicy:     breaker.CorePolicy(),
		CoreTargets:    cfg.CoreTargets,
		Store:          store,
		DebounceWindow: cfg.DebounceWindow,
		OnTransition:   onTransition,
	}
}

// OpenStore opens the persistence backend named by cfg.Driver. A nil store
// and nil error are returned when persistence is disabled.
func OpenStore(cfg BreakerPersistenceConfig) (BreakerStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "":
		return nil, nil
	case "json5":
		return newJSON5Store(cfg.Path), nil
	case "sqlite":
		return newSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown breaker persistence driver %q", cfg.Driver)
	}
}
