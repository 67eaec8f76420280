package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentcore/agentcore/internal/breaker"
)

// ErrAllCandidatesFailed is returned when every candidate model in a
// request's fallback list failed.
var ErrAllCandidatesFailed = errors.New("all model candidates failed")

// localPrefixes are identifier namespaces that resolve to the local model
// endpoint, bypassing any remote governance gateway (spec.md §4.4).
var localPrefixes = []string{"ollama:", "local:"}

func isLocalIdentifier(model string) bool {
	for _, p := range localPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func stripLocalPrefix(model string) string {
	for _, p := range localPrefixes {
		if strings.HasPrefix(model, p) {
			return strings.TrimPrefix(model, p)
		}
	}
	return model
}

// InternetState reports whether the process currently believes it has
// internet connectivity; backed by the health scheduler.
type InternetState interface {
	Offline() bool
}

// ModelClientConfig configures a ModelClient.
type ModelClientConfig struct {
	// FallbackModel is the process-wide default local model used when a
	// candidate is unavailable or when operating offline.
	FallbackModel string

	// NumCtxByModel maps a model identifier to its options.num_ctx value;
	// models absent from this map use DefaultNumCtx.
	NumCtxByModel map[string]int
	DefaultNumCtx int
}

// ModelClient routes a chat-completion request to a local or remote
// backend based on the model identifier, gates each candidate on the
// shared circuit breaker registry, and falls back through a short
// candidate list on failure (spec.md §4.4).
type ModelClient struct {
	local   LLMProvider
	remote  map[string]LLMProvider // keyed by provider Name()
	breaker *breaker.Registry
	internet InternetState
	cfg     ModelClientConfig
}

// NewModelClient builds a ModelClient. local serves every ollama:/local:
// candidate; remote is consulted for every other candidate, keyed by the
// backend's own Name().
func NewModelClient(local LLMProvider, remote []LLMProvider, reg *breaker.Registry, internet InternetState, cfg ModelClientConfig) *ModelClient {
	remoteByName := make(map[string]LLMProvider, len(remote))
	for _, p := range remote {
		remoteByName[p.Name()] = p
	}
	if cfg.DefaultNumCtx == 0 {
		cfg.DefaultNumCtx = 32768
	}
	return &ModelClient{local: local, remote: remoteByName, breaker: reg, internet: internet, cfg: cfg}
}

// candidates builds the ordered [requested, fallback] list of spec.md
// §4.4, rewriting to the fallback when offline and dropping duplicates.
func (c *ModelClient) candidates(requested string) []string {
	offline := c.internet != nil && c.internet.Offline()

	req := requested
	if offline && !isLocalIdentifier(req) {
		req = c.cfg.FallbackModel
	}

	list := []string{req}
	if c.cfg.FallbackModel != "" && c.cfg.FallbackModel != req {
		list = append(list, c.cfg.FallbackModel)
	}
	return list
}

func (c *ModelClient) numCtxFor(model string) int {
	if v, ok := c.cfg.NumCtxByModel[model]; ok {
		return v
	}
	return c.cfg.DefaultNumCtx
}

// backendFor resolves which LLMProvider serves a given (unprefixed)
// candidate identifier.
func (c *ModelClient) backendFor(candidate string) (LLMProvider, bool) {
	if isLocalIdentifier(candidate) {
		return c.local, c.local != nil
	}
	// Remote identifiers are namespaced "<backend-name>:<model>" by
	// convention (e.g. "remote:gpt-x"); fall back to the sole configured
	// remote backend when there is exactly one.
	if idx := strings.Index(candidate, ":"); idx > 0 {
		if p, ok := c.remote[candidate[:idx]]; ok {
			return p, true
		}
	}
	if len(c.remote) == 1 {
		for _, p := range c.remote {
			return p, true
		}
	}
	return nil, false
}

// Complete runs the non-streaming candidate-fallback loop, gating each
// attempt on the breaker registry and recording the outcome.
func (c *ModelClient) Complete(ctx context.Context, requested string, req *CompletionRequest) (*CompletionChunk, string, error) {
	var lastErr error
	for _, candidate := range c.candidates(requested) {
		if candidate == "" {
			continue
		}
		if c.breaker != nil && !c.breaker.IsAllowed(candidate) {
			lastErr = fmt.Errorf("circuit breaker blocks model %s", candidate)
			continue
		}

		backend, ok := c.backendFor(candidate)
		if !ok {
			lastErr = fmt.Errorf("no backend configured for model %s", candidate)
			continue
		}

		shaped := *req
		shaped.Model = stripLocalPrefix(candidate)
		if isLocalIdentifier(candidate) {
			shaped.NumCtx = c.numCtxFor(candidate)
		}

		chunks, err := backend.Complete(ctx, &shaped)
		if err != nil {
			lastErr = err
			if c.breaker != nil {
				c.breaker.RecordFailure(candidate, 1, err)
			}
			continue
		}

		final, err := drainNonStreaming(ctx, chunks)
		if err != nil {
			lastErr = err
			if c.breaker != nil {
				c.breaker.RecordFailure(candidate, 1, err)
			}
			continue
		}

		if c.breaker != nil {
			c.breaker.RecordSuccess(candidate)
		}
		return final, candidate, nil
	}

	if lastErr == nil {
		lastErr = ErrAllCandidatesFailed
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllCandidatesFailed, lastErr)
}

// Stream runs the candidate-fallback loop but hands the raw chunk channel
// back on the first candidate that starts successfully; the streaming
// finalizer (internal/streaming) owns normalizing the channel contents.
func (c *ModelClient) Stream(ctx context.Context, requested string, req *CompletionRequest) (<-chan *CompletionChunk, string, error) {
	var lastErr error
	for _, candidate := range c.candidates(requested) {
		if candidate == "" {
			continue
		}
		if c.breaker != nil && !c.breaker.IsAllowed(candidate) {
			lastErr = fmt.Errorf("circuit breaker blocks model %s", candidate)
			continue
		}
		backend, ok := c.backendFor(candidate)
		if !ok {
			lastErr = fmt.Errorf("no backend configured for model %s", candidate)
			continue
		}

		shaped := *req
		shaped.Model = stripLocalPrefix(candidate)
		if isLocalIdentifier(candidate) {
			shaped.NumCtx = c.numCtxFor(candidate)
		}

		chunks, err := backend.Complete(ctx, &shaped)
		if err != nil {
			lastErr = err
			if c.breaker != nil {
				c.breaker.RecordFailure(candidate, 1, err)
			}
			continue
		}
		return chunks, candidate, nil
	}
	if lastErr == nil {
		lastErr = ErrAllCandidatesFailed
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllCandidatesFailed, lastErr)
}

// drainNonStreaming collapses a chunk channel into one final response for
// callers that asked for stream=false.
func drainNonStreaming(ctx context.Context, chunks <-chan *CompletionChunk) (*CompletionChunk, error) {
	var text strings.Builder
	var final *CompletionChunk
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if final == nil {
					final = &CompletionChunk{Done: true}
				}
				final.Text = text.String()
				return final, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil || chunk.Done {
				final = chunk
			}
		}
	}
}
