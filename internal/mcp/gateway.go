package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentcore/agentcore/internal/breaker"
)

// ErrorKind is the taxonomy of spec.md §7.
type ErrorKind string

const (
	ErrServerDisabled      ErrorKind = "server_disabled"
	ErrInternetUnavailable ErrorKind = "internet_unavailable"
	ErrServerUnavailable   ErrorKind = "server_unavailable"
	ErrTransport           ErrorKind = "transport_error"
	ErrTool                ErrorKind = "tool_error"
	ErrProtocol            ErrorKind = "protocol_error"
)

// Result is the uniform shape every transport driver and the gateway
// itself returns: {ok, result, error}.
type Result struct {
	OK     bool
	Result any
	Error  string
	Kind   ErrorKind
}

// HealthFacts is the read side of the health scheduler (§4.5) that the
// gateway consults: global internet reachability and the per-provider
// health cache.
type HealthFacts interface {
	Offline() bool
	ProviderUnhealthy(provider string) (unhealthy bool, errMsg string, within time.Duration)
}

// alwaysOnline is used when no health scheduler has been wired yet (e.g.
// in unit tests of the gateway in isolation).
type alwaysOnline struct{}

func (alwaysOnline) Offline() bool { return false }
func (alwaysOnline) ProviderUnhealthy(string) (bool, string, time.Duration) {
	return false, "", 0
}

// ToolDescriptor is the catalog entry the agent loop and model client see.
// Name is always provider-qualified (<provider>__<tool>) once cached.
type ToolDescriptor struct {
	Name            string
	RawName         string
	Provider        string
	Description     string
	ParametersSchema []byte
}

// Gateway presents the uniform call(provider, tool, args) surface over the
// three transports, independent of which one backs a given provider.
type Gateway struct {
	manager *Manager
	breaker *breaker.Registry
	health  HealthFacts
	logger  *slog.Logger

	mu      sync.RWMutex
	catalog map[string]ToolDescriptor // keyed by qualified name
	menu    string

	discoverGroup singleflight.Group

	safetyTimeout time.Duration
}

// NewGateway builds a Gateway over an already-constructed Manager.
func NewGateway(manager *Manager, registry *breaker.Registry, health HealthFacts, logger *slog.Logger) *Gateway {
	if health == nil {
		health = alwaysOnline{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		manager:       manager,
		breaker:       registry,
		health:        health,
		logger:        logger.With("component", "tool_gateway"),
		catalog:       make(map[string]ToolDescriptor),
		safetyTimeout: 20 * time.Second,
	}
}

// QualifiedName builds the <provider>__<tool> catalog key.
func QualifiedName(provider, tool string) string {
	return provider + "__" + tool
}

// splitQualified accepts either a qualified or bare tool name, per spec.md
// §4.3's "gateway accepts either form and strips the prefix before
// dispatch". If name is ambiguous (bare, multiple providers export it),
// the first match in catalog iteration order wins.
func (g *Gateway) splitQualified(name string) (provider, tool string, ok bool) {
	if idx := strings.Index(name, "__"); idx > 0 {
		candidateProvider := name[:idx]
		if _, known := g.catalog[QualifiedName(candidateProvider, name[idx+2:])]; known {
			return candidateProvider, name[idx+2:], true
		}
	}
	for _, d := range g.catalog {
		if d.RawName == name {
			return d.Provider, d.RawName, true
		}
	}
	return "", "", false
}

// Discover queries tools/list on every configured provider, bypassing the
// circuit breaker (discovery is not a user-facing call and must not be
// blocked by an open breaker intended for call traffic), and rebuilds the
// in-memory catalog plus its menu-summary string. Concurrent Discover calls
// for the gateway collapse into one in-flight round via singleflight.
func (g *Gateway) Discover(ctx context.Context) error {
	_, err, _ := g.discoverGroup.Do("discover", func() (any, error) {
		g.discoverLocked(ctx)
		return nil, nil
	})
	return err
}

func (g *Gateway) discoverLocked(ctx context.Context) {
	newCatalog := make(map[string]ToolDescriptor)
	var names []string

	for id, client := range g.manager.Clients() {
		for _, tool := range client.Tools() {
			qn := QualifiedName(id, tool.Name)
			newCatalog[qn] = ToolDescriptor{
				Name:             qn,
				RawName:          tool.Name,
				Provider:         id,
				Description:      tool.Description,
				ParametersSchema: tool.InputSchema,
			}
			names = append(names, qn)
		}
	}

	g.mu.Lock()
	g.catalog = newCatalog
	g.menu = strings.Join(names, ", ")
	g.mu.Unlock()
}

// ListTools returns the current catalog. currentMessages is accepted for
// future intent-classification filtering per spec.md §4.3; this
// implementation returns the full enabled-provider catalog, since intent
// classification is explicitly optional in the source contract.
func (g *Gateway) ListTools(ctx context.Context, currentMessages []string) []ToolDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(g.catalog))
	for _, d := range g.catalog {
		cfg := g.providerConfig(d.Provider)
		if cfg != nil && cfg.RequiresInternet && g.health.Offline() {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MenuSummary returns the short comma-joined tool name list used for
// intent classification prompts.
func (g *Gateway) MenuSummary() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.menu
}

func (g *Gateway) providerConfig(id string) *ServerConfig {
	if g.manager.config == nil {
		return nil
	}
	for _, c := range g.manager.config.Servers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Call dispatches a tool invocation through the ordered checks of
// spec.md §4.3.
func (g *Gateway) Call(ctx context.Context, provider, tool string, arguments map[string]any, bypassBreaker bool) Result {
	cfg := g.providerConfig(provider)
	if cfg == nil || !cfg.Enabled {
		return Result{OK: false, Error: "provider disabled or unknown", Kind: ErrServerDisabled}
	}

	if cfg.RequiresInternet && g.health.Offline() {
		return Result{OK: false, Error: "internet unavailable", Kind: ErrInternetUnavailable}
	}

	if !bypassBreaker && g.breaker != nil && !g.breaker.IsAllowed(provider) {
		return Result{OK: false, Error: "circuit breaker blocks provider " + provider, Kind: ErrServerUnavailable}
	}

	if unhealthy, errMsg, within := g.health.ProviderUnhealthy(provider); unhealthy && within <= 60*time.Second {
		return Result{OK: false, Error: errMsg, Kind: ErrServerUnavailable}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.safetyTimeout)
	defer cancel()

	start := time.Now()
	toolResult, err := g.manager.CallTool(callCtx, provider, tool, arguments)
	elapsed := time.Since(start)

	if err != nil {
		if g.breaker != nil {
			g.breaker.RecordFailure(provider, 1, err)
		}
		g.logger.Warn("tool call failed", "provider", provider, "tool", tool, "elapsed", elapsed, "error", err)
		return Result{OK: false, Error: err.Error(), Kind: ErrTransport}
	}

	if g.breaker != nil {
		g.breaker.RecordSuccess(provider)
	}

	if toolResult.IsError {
		return Result{OK: false, Result: toolResult, Error: toolResultText(toolResult), Kind: ErrTool}
	}
	return Result{OK: true, Result: toolResult}
}

func toolResultText(r *ToolCallResult) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range r.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// CallQualifiedOrBare resolves a (possibly provider-qualified) tool name
// and dispatches through Call.
func (g *Gateway) CallQualifiedOrBare(ctx context.Context, name string, arguments map[string]any, bypassBreaker bool) Result {
	g.mu.RLock()
	provider, tool, ok := g.splitQualified(name)
	g.mu.RUnlock()
	if !ok {
		return Result{OK: false, Error: fmt.Sprintf("unknown tool %q", name), Kind: ErrTool}
	}
	return g.Call(ctx, provider, tool, arguments, bypassBreaker)
}
