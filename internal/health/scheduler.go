// Package health implements the process-wide health scheduler: a global
// internet reachability probe, staggered per-provider liveness checks, a
// stdio zombie-process reaper, and core-service auto-recovery feeding the
// shared circuit breaker registry.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentcore/agentcore/internal/breaker"
	"github.com/agentcore/agentcore/internal/mcp"
)

// Config configures the scheduler. Zero values fall back to spec defaults.
type Config struct {
	// InternetProbeURLs are dialed with HEAD requests to decide
	// reachability; the probe succeeds if any one responds.
	InternetProbeURLs []string

	// InternetProbeTimeout bounds each HEAD request. Default 5s.
	InternetProbeTimeout time.Duration

	// InternetProbeInterval is the steady-state spacing between internet
	// probes. Default 30s.
	InternetProbeInterval time.Duration

	// WarmupDelays are the offsets (from scheduler start) of the warm-up
	// probes for every provider, before steady-state probing begins.
	// Default 5s, 15s, 60s.
	WarmupDelays []time.Duration

	// SteadyInterval is the per-provider probe spacing once warm-up
	// completes. Default 60s.
	SteadyInterval time.Duration

	// ZombieThreshold is how long a stdio provider may remain disconnected
	// before the reaper restarts its child process. Default 5m.
	ZombieThreshold time.Duration
}

func (c *Config) setDefaults() {
	if c.InternetProbeTimeout <= 0 {
		c.InternetProbeTimeout = 5 * time.Second
	}
	if c.InternetProbeInterval <= 0 {
		c.InternetProbeInterval = 30 * time.Second
	}
	if len(c.WarmupDelays) == 0 {
		c.WarmupDelays = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	if c.SteadyInterval <= 0 {
		c.SteadyInterval = 60 * time.Second
	}
	if c.ZombieThreshold <= 0 {
		c.ZombieThreshold = 5 * time.Minute
	}
	if len(c.InternetProbeURLs) == 0 {
		c.InternetProbeURLs = []string{
			"https://www.google.com",
			"https://www.cloudflare.com",
			"https://api.github.com",
		}
	}
}

type providerState struct {
	healthy       bool
	lastError     string
	lastCheckedAt time.Time
	disconnectedAt time.Time // zero while connected
}

// Scheduler is the health scheduler of spec.md §4.5. It implements
// mcp.HealthFacts so the tool provider gateway can consult it directly.
type Scheduler struct {
	cfg      Config
	manager  *mcp.Manager
	breaker  *breaker.Registry
	logger   *slog.Logger
	client   *http.Client

	mu       sync.RWMutex
	offline  bool
	states   map[string]*providerState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. manager supplies the set of providers to probe;
// registry is fed success signals for core-service auto-recovery.
func New(cfg Config, manager *mcp.Manager, registry *breaker.Registry, logger *slog.Logger) *Scheduler {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		breaker: registry,
		logger:  logger.With("component", "health_scheduler"),
		client:  &http.Client{},
		states:  make(map[string]*providerState),
		stopCh:  make(chan struct{}),
		offline: false,
	}
}

// Start launches the internet probe loop, the per-provider staggered probe
// loops, and the stdio zombie reaper. Start is idempotent only across the
// lifetime of one Scheduler; build a new one to restart.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.runInternetProbe(ctx)

	for id := range s.providerIDs() {
		s.wg.Add(1)
		go s.runProviderProbe(ctx, id)
	}

	s.wg.Add(1)
	go s.runZombieReaper(ctx)
}

// Stop halts every scheduler goroutine and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) providerIDs() map[string]*mcp.Client {
	if s.manager == nil {
		return nil
	}
	return s.manager.Clients()
}

// Offline implements mcp.HealthFacts.
func (s *Scheduler) Offline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}

// ProviderUnhealthy implements mcp.HealthFacts.
func (s *Scheduler) ProviderUnhealthy(provider string) (unhealthy bool, errMsg string, within time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[provider]
	if !ok || st.lastCheckedAt.IsZero() {
		return false, "", 0
	}
	return !st.healthy, st.lastError, time.Since(st.lastCheckedAt)
}

// runInternetProbe issues parallel HEAD requests to every configured URL
// and marks the process online if any one of them succeeds within
// InternetProbeTimeout (spec.md §4.5).
func (s *Scheduler) runInternetProbe(ctx context.Context) {
	defer s.wg.Done()

	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.InternetProbeTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(probeCtx)
		reachable := make(chan struct{}, len(s.cfg.InternetProbeURLs))

		for _, url := range s.cfg.InternetProbeURLs {
			url := url
			g.Go(func() error {
				req, err := http.NewRequestWithContext(gctx, http.MethodHead, url, nil)
				if err != nil {
					return nil
				}
				resp, err := s.client.Do(req)
				if err != nil {
					return nil
				}
				resp.Body.Close()
				select {
				case reachable <- struct{}{}:
				default:
				}
				return nil
			})
		}
		_ = g.Wait()

		online := len(reachable) > 0
		s.mu.Lock()
		wasOffline := s.offline
		s.offline = !online
		s.mu.Unlock()

		if wasOffline != s.offline {
			s.logger.Info("internet reachability changed", "offline", s.offline)
		}
	}

	check()
	ticker := time.NewTicker(s.cfg.InternetProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// runProviderProbe runs the staggered warm-up/steady-state schedule for one
// provider: a handful of early checks at WarmupDelays offsets, then a
// regular check every SteadyInterval thereafter.
func (s *Scheduler) runProviderProbe(ctx context.Context, id string) {
	defer s.wg.Done()

	probe := func() {
		s.probeProvider(ctx, id)
	}

	elapsed := time.Duration(0)
	for _, delay := range s.cfg.WarmupDelays {
		wait := delay - elapsed
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		elapsed = delay
		probe()
	}

	ticker := time.NewTicker(s.cfg.SteadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func (s *Scheduler) probeProvider(ctx context.Context, id string) {
	client, ok := s.manager.Client(id)
	if !ok {
		return
	}

	connected := client.Connected()
	now := time.Now()

	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		st = &providerState{}
		s.states[id] = st
	}
	wasHealthy := st.healthy
	st.healthy = connected
	st.lastCheckedAt = now
	if connected {
		st.lastError = ""
		st.disconnectedAt = time.Time{}
	} else {
		st.lastError = "provider disconnected"
		if st.disconnectedAt.IsZero() {
			st.disconnectedAt = now
		}
	}
	cfg := client.Config()
	s.mu.Unlock()

	if connected && cfg != nil && cfg.Core && s.breaker != nil {
		// Core-service auto-recovery: a live probe against a core provider
		// counts as a success signal even if no caller has dialed it
		// recently, so an open breaker on a core target recovers without
		// waiting for user traffic.
		s.breaker.RecordSuccess(id)
	}

	if !wasHealthy && connected {
		s.logger.Info("provider recovered", "provider", id)
	} else if wasHealthy && !connected {
		s.logger.Warn("provider went unhealthy", "provider", id)
	}
}

// runZombieReaper periodically scans for stdio providers that have been
// disconnected longer than ZombieThreshold and restarts their child
// process via the manager (spec.md §4.5's reaper).
func (s *Scheduler) runZombieReaper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ZombieThreshold / 5)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	now := time.Now()

	var toRestart []string
	s.mu.RLock()
	for id, st := range s.states {
		if !st.disconnectedAt.IsZero() && now.Sub(st.disconnectedAt) >= s.cfg.ZombieThreshold {
			toRestart = append(toRestart, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range toRestart {
		s.logger.Warn("reaping zombie provider", "provider", id, "threshold", s.cfg.ZombieThreshold)
		_ = s.manager.Disconnect(id)
		if err := s.manager.Connect(ctx, id); err != nil {
			s.logger.Error("zombie reap restart failed", "provider", id, "error", err)
			continue
		}
		s.mu.Lock()
		if st, ok := s.states[id]; ok {
			st.disconnectedAt = time.Time{}
		}
		s.mu.Unlock()
	}
}

// Snapshot exposes the current per-provider view for diagnostics (the
// "doctor" CLI subcommand and the breaker status surface both use this).
type Snapshot struct {
	Provider  string
	Healthy   bool
	LastError string
	CheckedAt time.Time
}

// Snapshots returns a point-in-time copy of every tracked provider's state.
func (s *Scheduler) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.states))
	for id, st := range s.states {
		out = append(out, Snapshot{Provider: id, Healthy: st.healthy, LastError: st.lastError, CheckedAt: st.lastCheckedAt})
	}
	return out
}
