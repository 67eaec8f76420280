package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/breaker"
	"github.com/agentcore/agentcore/pkg/models"
)

// scriptedProvider returns one queued CompletionChunk per call to Complete,
// in order, looping on the last entry once exhausted.
type scriptedProvider struct {
	name    string
	script  []CompletionChunk
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := p.calls
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	p.calls++
	chunk := p.script[idx]
	ch := make(chan *CompletionChunk, 1)
	ch <- &chunk
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) Name() string        { return p.name }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

type echoTool struct{ n string }

func (t *echoTool) Name() string                 { return t.n }
func (t *echoTool) Description() string          { return "echoes input" }
func (t *echoTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "echo:" + string(params)}, nil
}

func newTestLoop(t *testing.T, script []CompletionChunk, tools ...Tool) *Loop {
	t.Helper()
	provider := &scriptedProvider{name: "local", script: script}
	reg := breaker.NewRegistry(breaker.RegistryConfig{DefaultPolicy: testPolicy()})
	client := NewModelClient(provider, nil, reg, fakeInternet{}, ModelClientConfig{FallbackModel: "ollama:llama"})

	registry := NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	return NewLoop(client, registry, &LoopConfig{MaxToolSteps: 4, EarlyExitMinStep: 0})
}

// Scenario 1 (spec.md §8): a single-turn response with no tool calls
// terminates the loop immediately with stop reason "no_tools".
func TestRunStopsImmediatelyWithNoToolCalls(t *testing.T) {
	loop := newTestLoop(t, []CompletionChunk{{Text: "hello there", Done: true}})

	text, _, steps, err := loop.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "hi"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text: %q", text)
	}
	if len(steps) != 1 || steps[0].StopReason != "no_tools" {
		t.Fatalf("expected a single no_tools step, got %+v", steps)
	}
}

// Scenario: a structured tool call executes, results feed back, and the
// loop terminates once the model replies with no further tool calls.
func TestRunExecutesToolCallAndContinues(t *testing.T) {
	toolCall := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	loop := newTestLoop(t, []CompletionChunk{
		{ToolCall: &toolCall},
		{Text: "done", Done: true},
	}, &echoTool{n: "echo"})

	text, history, steps, err := loop.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "use echo"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "done" {
		t.Fatalf("unexpected final text: %q", text)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].ToolResults[0].Content != `echo:{"x":1}` {
		t.Fatalf("unexpected tool result: %+v", steps[0].ToolResults)
	}

	foundTool := false
	for _, m := range history {
		if m.Role == "tool" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Fatal("expected a tool-role message in history")
	}
}

// Scenario 4 (spec.md §8): the model emits free text containing a
// hand-written JSON tool invocation instead of a structured tool call;
// the loop must rescue it, fuzzy-alias the name, and execute it.
func TestRunRescuesHallucinatedToolCall(t *testing.T) {
	hallucinated := "Let me check.\n```json\n{\"name\": \"get_time\", \"arguments\": {}}\n```"
	loop := newTestLoop(t, []CompletionChunk{
		{Text: hallucinated},
		{Text: "it is noon", Done: true},
	}, &echoTool{n: "get_current_time"})

	_, history, steps, err := loop.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "what time is it"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) == 0 || len(steps[0].ToolCalls) != 1 {
		t.Fatalf("expected the hallucinated call to be rescued, got %+v", steps)
	}
	call := steps[0].ToolCalls[0]
	if call.Name != "get_current_time" {
		t.Fatalf("expected alias resolution to get_current_time, got %q", call.Name)
	}
	if !strings.HasPrefix(call.ID, "call_h_") || !strings.HasSuffix(call.ID, "_0") {
		t.Fatalf("expected a synthesized call_h_..._0 id, got %q", call.ID)
	}
	// The first assistant turn (user + assistant) precedes the tool round;
	// its content must be cleared since it was reinterpreted as a call.
	if history[1].Role != "assistant" || history[1].Content != "" {
		t.Fatalf("expected rescued assistant message content to be cleared, got %+v", history[1])
	}
}

// Scenario 4 variant: a hallucinated JSON ARRAY of tool invocations rescues
// into multiple tool calls with distinct synthesized ids.
func TestRunRescuesHallucinatedToolCallArray(t *testing.T) {
	hallucinated := "```json\n[{\"name\": \"get_time\", \"arguments\": {}}, {\"name\": \"get_time\", \"arguments\": {}}]\n```"
	loop := newTestLoop(t, []CompletionChunk{
		{Text: hallucinated},
		{Text: "done", Done: true},
	}, &echoTool{n: "get_current_time"})

	_, history, steps, err := loop.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "what time is it, twice"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) == 0 || len(steps[0].ToolCalls) != 2 {
		t.Fatalf("expected both hallucinated calls to be rescued, got %+v", steps)
	}
	if steps[0].ToolCalls[0].ID == steps[0].ToolCalls[1].ID {
		t.Fatalf("expected distinct synthesized ids per array element, got %q twice", steps[0].ToolCalls[0].ID)
	}
	if !strings.HasSuffix(steps[0].ToolCalls[0].ID, "_0") || !strings.HasSuffix(steps[0].ToolCalls[1].ID, "_1") {
		t.Fatalf("expected ids ordered by array position, got %q and %q", steps[0].ToolCalls[0].ID, steps[0].ToolCalls[1].ID)
	}
	if history[1].Role != "assistant" || history[1].Content != "" {
		t.Fatalf("expected rescued assistant message content to be cleared, got %+v", history[1])
	}
}

func TestRunStopsOnMaxToolSteps(t *testing.T) {
	toolCall := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)}
	script := []CompletionChunk{{ToolCall: &toolCall}} // never stops requesting tools
	loop := newTestLoop(t, script, &echoTool{n: "echo"})
	loop.cfg.MaxToolSteps = 3

	_, _, steps, err := loop.Run(context.Background(), "ollama:llama", []CompletionMessage{{Role: "user", Content: "loop"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected exactly MaxToolSteps steps, got %d", len(steps))
	}
	if steps[2].StopReason != "max_steps" {
		t.Fatalf("expected final step to report max_steps, got %q", steps[2].StopReason)
	}
}

func TestPruneContextDropsLeadingToolMessage(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "tool", ToolResults: []models.ToolResult{{Content: "orphaned"}}},
		{Role: "user", Content: "hi"},
	}
	got := pruneContext(messages, 50)
	if len(got) != 1 || got[0].Role != "user" {
		t.Fatalf("expected the leading tool message to be popped, got %+v", got)
	}
}

func TestPruneContextRespectsLimit(t *testing.T) {
	var messages []CompletionMessage
	for i := 0; i < 60; i++ {
		messages = append(messages, CompletionMessage{Role: "user", Content: "m"})
	}
	got := pruneContext(messages, 50)
	if len(got) != 50 {
		t.Fatalf("expected 50 messages after pruning, got %d", len(got))
	}
}

func TestResponsesAreSimilarDetectsRepetition(t *testing.T) {
	a := "I can help with that. Let me know what you need next."
	b := "I can help with that. Let me know what you need next."
	if !responsesAreSimilar(a, b) {
		t.Fatal("expected identical responses to be flagged similar")
	}
	if responsesAreSimilar("completely different content here", "another unrelated sentence entirely") {
		t.Fatal("expected dissimilar responses not to be flagged")
	}
}

func TestHasCompletionSignal(t *testing.T) {
	if !hasCompletionSignal("Let me know if you need anything else!") {
		t.Fatal("expected completion phrase to be detected")
	}
	if hasCompletionSignal("Running the next step now.") {
		t.Fatal("expected no false positive")
	}
}

func TestShouldStopOnWallClock(t *testing.T) {
	loop := newTestLoop(t, []CompletionChunk{{Text: "x"}})
	loop.cfg.WallClock = time.Millisecond
	loop.cfg.EarlyExitMinStep = 0
	time.Sleep(5 * time.Millisecond)
	reason, stop := loop.shouldStopNoTools(0, time.Now().Add(-time.Second), "x", "", 1)
	if !stop || reason != "wall_clock" {
		t.Fatalf("expected wall_clock stop, got %q %v", reason, stop)
	}
}
