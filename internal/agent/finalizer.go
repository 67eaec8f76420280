package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcore/agentcore/internal/breaker"
	"github.com/agentcore/agentcore/internal/observability"
	"github.com/agentcore/agentcore/pkg/models"
)

// FinalizeEventType enumerates the normalized streaming event taxonomy of
// spec.md §4.7.
type FinalizeEventType string

const (
	FinalizeToken         FinalizeEventType = "token"
	FinalizeThinkingStart FinalizeEventType = "thinking_start"
	FinalizeToolStart     FinalizeEventType = "tool_start"
	FinalizeToolEnd       FinalizeEventType = "tool_end"
	FinalizeDone          FinalizeEventType = "done"
	FinalizeError         FinalizeEventType = "error"
)

// FinalizeMetrics captures the streaming observability data spec.md §4.7
// attaches to the terminal done event.
type FinalizeMetrics struct {
	TTFT       time.Duration
	TokenCount int
	Duration   time.Duration
	// Confidence is nil unless a provider surfaces per-token logprobs; none
	// of the CompletionChunk producers in this tree do, so it is always
	// nil today. The field exists so a future provider can populate it
	// without another event-shape change.
	Confidence *float64
}

// FinalizeEvent is one normalized event emitted by the Streaming Finalizer.
type FinalizeEvent struct {
	Type      FinalizeEventType
	Content   string // token text
	Count     int    // thinking_start: number of tool calls about to fan out
	Tool      string // tool_start/tool_end: tool name
	ToolCall  string // tool_start/tool_end: tool_call_id
	Input     string // tool_start: raw input
	Output    string // tool_end: raw result content
	IsError   bool   // tool_end: whether the tool call failed
	Error     string // error: message
	RequestID string // error: request correlation id
	Metrics   *FinalizeMetrics
}

// StreamFinalizer consumes the model's streaming chunks, normalizes them
// into the FinalizeEvent taxonomy, fans out any requested tool calls, and
// re-enters the model for as many rounds as the Agent Loop would, entirely
// over a single outbound event channel (spec.md §4.7).
type StreamFinalizer struct {
	client   *ModelClient
	registry *ToolRegistry
	executor *ToolExecutor
	breaker  *breaker.Registry
	cfg      *LoopConfig
}

// NewStreamFinalizer builds a StreamFinalizer sharing a ModelClient and
// ToolRegistry with a non-streaming Loop. reg may be nil, in which case
// stream outcomes are not recorded against the circuit breaker.
func NewStreamFinalizer(client *ModelClient, registry *ToolRegistry, reg *breaker.Registry, cfg *LoopConfig) *StreamFinalizer {
	cfg = sanitizeLoopConfig(cfg)
	return &StreamFinalizer{
		client:   client,
		registry: registry,
		executor: NewToolExecutor(registry, ToolExecConfig{
			Concurrency:    cfg.ToolConcurrency,
			PerToolTimeout: cfg.ToolTimeout,
			MaxAttempts:    1,
		}),
		breaker: reg,
		cfg:     cfg,
	}
}

// Run streams one user turn and returns a channel of normalized events. The
// channel is closed after a terminal "done" or "error" event; callers
// should keep draining it until closure rather than relying on the
// terminal event type alone.
func (f *StreamFinalizer) Run(ctx context.Context, model string, messages []CompletionMessage, system, requestID string) <-chan *FinalizeEvent {
	events := make(chan *FinalizeEvent, 16)
	go func() {
		defer close(events)
		f.run(ctx, model, messages, system, requestID, events)
	}()
	return events
}

func (f *StreamFinalizer) run(ctx context.Context, model string, messages []CompletionMessage, system, requestID string, events chan<- *FinalizeEvent) {
	history := append([]CompletionMessage(nil), messages...)
	tools := snapshotToolCatalog(f.registry, f.cfg.MaxToolCatalog)
	start := time.Now()
	totalTokens := 0

	runID := observability.GetRunID(ctx)
	emitter := NewEventEmitter(runID, f.cfg.EventSink)
	emitter.RunStarted(ctx)

	for step := 0; step < f.cfg.MaxToolSteps; step++ {
		emitter.SetIter(step)
		emitter.IterStarted(ctx)
		pruned := pruneContext(applyContextPruning(history, f.cfg), f.cfg.MaxContextMessages)

		req := &CompletionRequest{
			Model:    model,
			System:   system,
			Messages: pruned,
			Tools:    tools,
		}
		if level := ThinkingLevelFromContext(ctx); level != ThinkingOff {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = GetThinkingBudget(level)
		}

		chunks, candidate, err := f.client.Stream(ctx, model, req)
		if err != nil {
			emitter.IterFinished(ctx)
			if ctx.Err() != nil {
				emitter.RunCancelled(ctx)
			} else {
				emitter.RunError(ctx, err, true)
			}
			f.emitError(events, requestID, err)
			return
		}

		acc, err := f.consumeStream(ctx, chunks, events)
		if err != nil {
			if f.breaker != nil && candidate != "" {
				f.breaker.RecordFailure(candidate, 1, err)
			}
			emitter.IterFinished(ctx)
			if ctx.Err() != nil {
				emitter.RunCancelled(ctx)
			} else {
				emitter.RunError(ctx, err, true)
			}
			f.emitError(events, requestID, err)
			return
		}
		if f.breaker != nil && candidate != "" {
			f.breaker.RecordSuccess(candidate)
		}
		emitter.ModelCompleted(ctx, candidate, model, 0, acc.tokenCount)
		totalTokens += acc.tokenCount

		toolCalls := acc.toolCalls
		rescued := false
		if len(toolCalls) == 0 {
			toolCalls = rescueToolCalls(&CompletionChunk{Text: acc.text}, tools)
			rescued = len(toolCalls) > 0
		}

		if len(toolCalls) == 0 && acc.text == "" {
			const fallback = "How can I help?"
			events <- &FinalizeEvent{Type: FinalizeToken, Content: fallback}
			acc.text = fallback
			if acc.firstTokenAt.IsZero() {
				acc.firstTokenAt = time.Now()
			}
		}

		assistantContent := acc.text
		if rescued {
			// The "tool call" was synthesized from the streamed text; per
			// spec.md §4.6 the raw text is not also a separate assistant
			// utterance, so it is cleared from the transcript.
			assistantContent = ""
		}
		history = append(history, CompletionMessage{Role: "assistant", Content: assistantContent, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			emitter.IterFinished(ctx)
			emitter.RunFinished(ctx, nil)
			f.emitDone(events, start, acc.firstTokenAt, totalTokens)
			return
		}

		events <- &FinalizeEvent{Type: FinalizeThinkingStart, Count: len(toolCalls)}
		for _, tc := range toolCalls {
			events <- &FinalizeEvent{Type: FinalizeToolStart, Tool: tc.Name, ToolCall: tc.ID, Input: string(tc.Input)}
			emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Input)
		}

		execResults := f.executor.ExecuteConcurrently(ctx, toolCalls, nil)
		toolResults := make([]models.ToolResult, len(execResults))
		for i, r := range execResults {
			toolResults[i] = r.Result
			events <- &FinalizeEvent{
				Type:     FinalizeToolEnd,
				Tool:     r.ToolCall.Name,
				ToolCall: r.ToolCall.ID,
				Output:   r.Result.Content,
				IsError:  r.Result.IsError,
			}
			resultJSON, _ := json.Marshal(r.Result)
			emitter.ToolFinished(ctx, r.ToolCall.ID, r.ToolCall.Name, !r.Result.IsError, resultJSON, r.EndTime.Sub(r.StartTime))
		}
		for i, tr := range toolResults {
			history = append(history, CompletionMessage{
				Role:        "tool",
				ToolResults: []models.ToolResult{tr},
				Attachments: artifactsToAttachments(execResults[i].Artifacts),
			})
		}
		emitter.IterFinished(ctx)
	}

	emitter.RunFinished(ctx, nil)
	f.emitDone(events, start, time.Time{}, totalTokens)
}

func (f *StreamFinalizer) emitError(events chan<- *FinalizeEvent, requestID string, err error) {
	events <- &FinalizeEvent{Type: FinalizeError, Error: err.Error(), RequestID: requestID}
}

func (f *StreamFinalizer) emitDone(events chan<- *FinalizeEvent, start, firstTokenAt time.Time, tokenCount int) {
	metrics := &FinalizeMetrics{Duration: time.Since(start), TokenCount: tokenCount}
	if !firstTokenAt.IsZero() {
		metrics.TTFT = firstTokenAt.Sub(start)
	}
	events <- &FinalizeEvent{Type: FinalizeDone, Metrics: metrics}
}

// streamAccumulator is the running state built by consumeStream: the
// normalized text content, any complete tool calls seen, and timing used
// to compute TTFT.
type streamAccumulator struct {
	text         string
	toolCalls    []models.ToolCall
	tokenCount   int
	firstTokenAt time.Time
}

// consumeStream drains one model stream, emitting a token event per text
// fragment and accumulating any complete tool calls the provider hands
// back (this pack's LLMProvider implementations assemble a full tool call
// before emitting it, rather than incremental name/arguments fragments, so
// there is no partial-fragment merge step here beyond appending by arrival
// order).
func (f *StreamFinalizer) consumeStream(ctx context.Context, chunks <-chan *CompletionChunk, events chan<- *FinalizeEvent) (*streamAccumulator, error) {
	acc := &streamAccumulator{}
	var text []byte

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				acc.text = string(text)
				return acc, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Text != "" {
				if acc.firstTokenAt.IsZero() {
					acc.firstTokenAt = time.Now()
				}
				text = append(text, chunk.Text...)
				acc.tokenCount++
				events <- &FinalizeEvent{Type: FinalizeToken, Content: chunk.Text}
			}
			if chunk.ToolCall != nil {
				if acc.firstTokenAt.IsZero() {
					acc.firstTokenAt = time.Now()
				}
				acc.toolCalls = append(acc.toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				acc.text = string(text)
				return acc, nil
			}
		}
	}
}

// String renders an event for logging; not used on the hot path.
func (e *FinalizeEvent) String() string {
	switch e.Type {
	case FinalizeError:
		return fmt.Sprintf("error: %s (request %s)", e.Error, e.RequestID)
	case FinalizeToolStart:
		return fmt.Sprintf("tool_start: %s(%s)", e.Tool, e.Input)
	case FinalizeToolEnd:
		return fmt.Sprintf("tool_end: %s -> %s", e.Tool, e.Output)
	default:
		return string(e.Type)
	}
}
