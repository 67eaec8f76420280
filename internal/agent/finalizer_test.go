package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/agentcore/agentcore/internal/breaker"
	"github.com/agentcore/agentcore/pkg/models"
)

var errBackendUnavailable = errors.New("backend unavailable")

// streamingProvider plays back one pre-scripted chunk sequence per call to
// Complete, delivering every chunk of that sequence over the returned
// channel before closing it — simulating one real streaming round-trip
// per Stream() call the finalizer makes.
type streamingProvider struct {
	name  string
	steps [][]CompletionChunk
	calls int
}

func (p *streamingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	seq := p.steps[idx]
	ch := make(chan *CompletionChunk, len(seq))
	for i := range seq {
		c := seq[i]
		ch <- &c
	}
	close(ch)
	return ch, nil
}
func (p *streamingProvider) Name() string        { return p.name }
func (p *streamingProvider) Models() []Model     { return nil }
func (p *streamingProvider) SupportsTools() bool { return true }

func newTestFinalizer(t *testing.T, steps [][]CompletionChunk, tools ...Tool) *StreamFinalizer {
	t.Helper()
	provider := &streamingProvider{name: "local", steps: steps}
	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})
	client := NewModelClient(provider, nil, reg, fakeInternet{}, ModelClientConfig{FallbackModel: "ollama:llama"})

	registry := NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	return NewStreamFinalizer(client, registry, reg, &LoopConfig{MaxToolSteps: 4, EarlyExitMinStep: 0})
}

func drainEvents(ch <-chan *FinalizeEvent) []*FinalizeEvent {
	var out []*FinalizeEvent
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestFinalizerEmitsTokensThenDone(t *testing.T) {
	f := newTestFinalizer(t, [][]CompletionChunk{
		{{Text: "hel"}, {Text: "lo"}, {Done: true}},
	})

	events := drainEvents(f.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "hi"}}, "", "req-1"))

	var tokens []string
	for _, e := range events {
		if e.Type == FinalizeToken {
			tokens = append(tokens, e.Content)
		}
	}
	if strings.Join(tokens, "") != "hello" {
		t.Fatalf("expected concatenated tokens 'hello', got %v", tokens)
	}
	last := events[len(events)-1]
	if last.Type != FinalizeDone {
		t.Fatalf("expected terminal done event, got %v", last.Type)
	}
	if last.Metrics == nil {
		t.Fatal("expected metrics on the done event")
	}
}

func TestFinalizerEmitsSyntheticFallbackWhenStreamIsEmpty(t *testing.T) {
	f := newTestFinalizer(t, [][]CompletionChunk{
		{{Done: true}},
	})

	events := drainEvents(f.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "hi"}}, "", ""))

	found := false
	for _, e := range events {
		if e.Type == FinalizeToken && e.Content == "How can I help?" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a synthetic fallback token when the stream produced no content")
	}
}

func TestFinalizerFansOutToolCalls(t *testing.T) {
	toolCall := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	f := newTestFinalizer(t, [][]CompletionChunk{
		{{ToolCall: &toolCall}},
		{{Text: "done", Done: true}},
	}, &echoTool{n: "echo"})

	events := drainEvents(f.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "use echo"}}, "", ""))

	var sawThinkingStart, sawToolStart, sawToolEnd bool
	for _, e := range events {
		switch e.Type {
		case FinalizeThinkingStart:
			sawThinkingStart = true
			if e.Count != 1 {
				t.Fatalf("expected thinking_start count 1, got %d", e.Count)
			}
		case FinalizeToolStart:
			sawToolStart = true
		case FinalizeToolEnd:
			sawToolEnd = true
			if e.Output != `echo:{"x":1}` {
				t.Fatalf("unexpected tool_end output: %q", e.Output)
			}
		}
	}
	if !sawThinkingStart || !sawToolStart || !sawToolEnd {
		t.Fatalf("expected thinking_start/tool_start/tool_end events, got %+v", events)
	}
	if events[len(events)-1].Type != FinalizeDone {
		t.Fatalf("expected the loop to terminate with done after the tool round, got %v", events[len(events)-1].Type)
	}
}

// Scenario 4 (spec.md §8) in streamed mode: the model's stream ends with no
// structured tool calls but the accumulated text contains a hand-written
// JSON invocation; the finalizer must rescue it at end-of-stream using the
// same synthesized-id rule as the non-streaming loop.
func TestFinalizerRescuesHallucinatedToolCallAtEndOfStream(t *testing.T) {
	hallucinated := []CompletionChunk{
		{Text: "Let me check.\n```json\n"},
		{Text: `{"name": "get_time", "arguments": {}}`},
		{Text: "\n```"},
		{Done: true},
	}
	f := newTestFinalizer(t, [][]CompletionChunk{
		hallucinated,
		{{Text: "it is noon", Done: true}},
	}, &echoTool{n: "get_current_time"})

	events := drainEvents(f.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "what time is it"}}, "", ""))

	var toolStart *FinalizeEvent
	for _, e := range events {
		if e.Type == FinalizeToolStart {
			toolStart = e
			break
		}
	}
	if toolStart == nil {
		t.Fatalf("expected a rescued tool_start event, got %+v", events)
	}
	if toolStart.Tool != "get_current_time" {
		t.Fatalf("expected alias resolution to get_current_time, got %q", toolStart.Tool)
	}
	if !strings.HasPrefix(toolStart.ToolCall, "call_h_") || !strings.HasSuffix(toolStart.ToolCall, "_0") {
		t.Fatalf("expected a synthesized call_h_..._0 id, got %q", toolStart.ToolCall)
	}
}

// erroringProvider fails every Complete call, simulating a backend that
// cannot even start a stream.
type erroringProvider struct{ name string }

func (p *erroringProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return nil, errBackendUnavailable
}
func (p *erroringProvider) Name() string        { return p.name }
func (p *erroringProvider) Models() []Model     { return nil }
func (p *erroringProvider) SupportsTools() bool { return true }

func TestFinalizerEmitsErrorOnStreamFailure(t *testing.T) {
	provider := &erroringProvider{name: "local"}
	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})
	client := NewModelClient(provider, nil, reg, fakeInternet{}, ModelClientConfig{FallbackModel: ""})
	f := NewStreamFinalizer(client, NewToolRegistry(), reg, &LoopConfig{MaxToolSteps: 4, EarlyExitMinStep: 0})

	events := drainEvents(f.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "hi"}}, "", "req-err"))
	if len(events) == 0 || events[len(events)-1].Type != FinalizeError {
		t.Fatalf("expected a terminal error event, got %+v", events)
	}
	if events[len(events)-1].RequestID != "req-err" {
		t.Fatalf("expected request id to propagate onto the error event, got %q", events[len(events)-1].RequestID)
	}
}
