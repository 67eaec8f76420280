package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	agentctx "github.com/agentcore/agentcore/internal/agent/context"
	"github.com/agentcore/agentcore/internal/observability"
	"github.com/agentcore/agentcore/pkg/models"
)

// LoopConfig configures the bounded reason-act agent loop.
type LoopConfig struct {
	// MaxToolSteps bounds how many reason/act rounds the loop runs before
	// it force-stops and returns whatever text the model last produced.
	// Default 8.
	MaxToolSteps int

	// MaxContextMessages is the number of most-recent messages kept in the
	// prompt; older messages are pruned, popping from the head until any
	// leading tool message is also dropped (a tool result is meaningless
	// without the assistant turn that requested it). Default 50.
	MaxContextMessages int

	// MaxToolCatalog truncates the tool list shown to the model on every
	// turn. Default 0 (no truncation).
	MaxToolCatalog int

	// WallClock bounds total loop duration once EarlyExitMinStep has been
	// reached. Default 30s.
	WallClock time.Duration

	// EarlyExitMinStep is the step index (0-based) at or after which the
	// wall-clock and similarity heuristics are allowed to trigger, so a
	// fast first couple of rounds are never cut short. Default 3.
	EarlyExitMinStep int

	// ToolConcurrency bounds simultaneous tool executions per step.
	ToolConcurrency int

	// ToolTimeout bounds a single tool call. Default 30s.
	ToolTimeout time.Duration

	// SkipFinalizerOnHighTier, when set, allows callers that already ran a
	// high-tier model to skip a second finalization pass after tools
	// return. It is an optimization switch, off by default, and has no
	// effect inside Run itself (callers read it before invoking the
	// streaming finalizer again).
	SkipFinalizerOnHighTier bool

	// ContextPruning configures soft-trim/hard-clear pruning of old tool
	// result content, applied before the fixed-count truncation above. Nil
	// (the default; see config.EffectiveContextPruningSettings) disables it.
	ContextPruning *agentctx.ContextPruningSettings

	// ContextWindowChars is the char-budget denominator ContextPruning's
	// ratios are measured against. Required whenever ContextPruning is set.
	ContextWindowChars int

	// EventSink, when set, receives a structured run.*/iter.*/tool.* event
	// stream for the duration of Run (trace files, plugin dispatch, stats
	// collection). Nil disables event emission entirely.
	EventSink EventSink
}

// DefaultLoopConfig returns the loop defaults of spec.md §4.6.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxToolSteps:       8,
		MaxContextMessages: 50,
		WallClock:          30 * time.Second,
		EarlyExitMinStep:   3,
		ToolConcurrency:    4,
		ToolTimeout:        30 * time.Second,
	}
}

func sanitizeLoopConfig(cfg *LoopConfig) *LoopConfig {
	d := DefaultLoopConfig()
	if cfg == nil {
		return d
	}
	out := *cfg
	if out.MaxToolSteps <= 0 {
		out.MaxToolSteps = d.MaxToolSteps
	}
	if out.MaxContextMessages <= 0 {
		out.MaxContextMessages = d.MaxContextMessages
	}
	if out.WallClock <= 0 {
		out.WallClock = d.WallClock
	}
	if out.EarlyExitMinStep < 0 {
		out.EarlyExitMinStep = d.EarlyExitMinStep
	}
	if out.ToolConcurrency <= 0 {
		out.ToolConcurrency = d.ToolConcurrency
	}
	if out.ToolTimeout <= 0 {
		out.ToolTimeout = d.ToolTimeout
	}
	return &out
}

// StepResult describes one completed reason/act round, useful for tracing
// and for the streaming finalizer to decide whether to re-stream.
type StepResult struct {
	Step        int
	Text        string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	StopReason  string // "", "no_tools", "no_tool_stability", "similarity", "completion_phrase", "wall_clock", "max_steps"
}

// Loop runs the bounded reason-act state machine of spec.md §4.6: prune
// context, snapshot the tool catalog, call the model, execute any
// requested tools concurrently (preserving tool_call_id order), and repeat
// until the model stops requesting tools or an early-exit heuristic fires.
type Loop struct {
	client   *ModelClient
	registry *ToolRegistry
	executor *ToolExecutor
	cfg      *LoopConfig
}

// NewLoop builds a Loop over an already-wired ModelClient and ToolRegistry
// (kept in sync with a mcp.Gateway via SyncToolRegistry by the caller).
func NewLoop(client *ModelClient, registry *ToolRegistry, cfg *LoopConfig) *Loop {
	cfg = sanitizeLoopConfig(cfg)
	return &Loop{
		client:   client,
		registry: registry,
		executor: NewToolExecutor(registry, ToolExecConfig{
			Concurrency:    cfg.ToolConcurrency,
			PerToolTimeout: cfg.ToolTimeout,
			MaxAttempts:    1,
		}),
		cfg: cfg,
	}
}

// snapshotToolCatalog takes the tool catalog snapshot of spec.md §4.6 step
// 3: the full registered set, truncated to max entries when max > 0.
func snapshotToolCatalog(registry *ToolRegistry, max int) []Tool {
	if registry == nil {
		return nil
	}
	tools := registry.AsLLMTools()
	if max > 0 && len(tools) > max {
		tools = tools[:max]
	}
	return tools
}

// pruneContext keeps only the last MaxContextMessages messages, pops
// leading tool-role messages (a tool result with no preceding assistant
// tool-call request confuses every provider's message validation), and
// repairs any tool_call_id left dangling by the truncation.
func pruneContext(messages []CompletionMessage, limit int) []CompletionMessage {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	for len(messages) > 0 && messages[0].Role == "tool" {
		messages = messages[1:]
	}
	return repairTranscript(messages)
}

// Run executes the loop for one user turn and returns the final assistant
// text plus the updated message history (including every intermediate
// assistant/tool turn, for callers that persist transcripts).
func (l *Loop) Run(ctx context.Context, model string, messages []CompletionMessage, system string) (string, []CompletionMessage, []StepResult, error) {
	history := append([]CompletionMessage(nil), messages...)
	var steps []StepResult
	var prevText string
	start := time.Now()

	runID := observability.GetRunID(ctx)
	emitter := NewEventEmitter(runID, l.cfg.EventSink)
	emitter.RunStarted(ctx)

	tools := snapshotToolCatalog(l.registry, l.cfg.MaxToolCatalog)

	noToolStreak := 0
	for step := 0; step < l.cfg.MaxToolSteps; step++ {
		emitter.SetIter(step)
		emitter.IterStarted(ctx)
		pruned := pruneContext(applyContextPruning(history, l.cfg), l.cfg.MaxContextMessages)

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

		chunk, candidate, err := l.client.Complete(ctx, model, req)
		if err != nil {
			emitter.IterFinished(ctx)
			if ctx.Err() != nil {
				emitter.RunCancelled(ctx)
			} else {
				emitter.RunError(ctx, err, true)
			}
			return "", history, steps, fmt.Errorf("model completion failed at step %d: %w", step, err)
		}
		emitter.ModelCompleted(ctx, candidate, model, chunk.InputTokens, chunk.OutputTokens)

		toolCalls := rescueToolCalls(chunk, tools)
		rescued := chunk.ToolCall == nil && len(toolCalls) > 0

		result := StepResult{Step: step, Text: chunk.Text, ToolCalls: toolCalls}

		assistantContent := chunk.Text
		if rescued {
			// The "tool call" was synthesized from the model's free text;
			// per spec.md §4.6 the raw text is not also a separate
			// assistant utterance, so it is cleared from the transcript.
			assistantContent = ""
		}
		assistantMsg := CompletionMessage{Role: "assistant", Content: assistantContent, ToolCalls: toolCalls}
		history = append(history, assistantMsg)

		if len(toolCalls) == 0 {
			// A no-tool-call response is always a candidate final answer
			// (spec.md §8 scenario 1: a single no-tool reply ends the loop
			// in exactly one model call). The early-exit heuristics below
			// only decide WHICH reason to report, not whether to stop.
			noToolStreak++
			reason, _ := l.shouldStopNoTools(step, start, chunk.Text, prevText, noToolStreak)
			result.StopReason = reason
			steps = append(steps, result)
			emitter.IterFinished(ctx)
			emitter.RunFinished(ctx, nil)
			return chunk.Text, history, steps, nil
		}
		noToolStreak = 0

		for _, tc := range toolCalls {
			emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Input)
		}
		execResults := l.executor.ExecuteConcurrently(ctx, toolCalls, nil)
		toolResults := make([]models.ToolResult, len(execResults))
		for i, r := range execResults {
			toolResults[i] = r.Result
			resultJSON, _ := json.Marshal(r.Result)
			emitter.ToolFinished(ctx, r.ToolCall.ID, r.ToolCall.Name, !r.Result.IsError, resultJSON, r.EndTime.Sub(r.StartTime))
		}
		result.ToolResults = toolResults
		steps = append(steps, result)

		for i, tr := range toolResults {
			history = append(history, CompletionMessage{
				Role:        "tool",
				ToolResults: []models.ToolResult{tr},
				Attachments: artifactsToAttachments(execResults[i].Artifacts),
			})
		}

		prevText = chunk.Text

		if step == l.cfg.MaxToolSteps-1 {
			steps[len(steps)-1].StopReason = "max_steps"
		}
		emitter.IterFinished(ctx)
	}

	emitter.RunFinished(ctx, nil)
	return prevText, history, steps, nil
}

// shouldStopNoTools picks the most specific of the four early-exit reasons
// from spec.md §4.6 for a no-tool-call ("candidate final answer") response.
// Run always terminates once a response carries no tool calls; this just
// attributes WHY: no-tool stability (two consecutive no-tool responses, at
// step ≥ 2) takes priority, then wall-clock/completion-phrase/similarity
// once EarlyExitMinStep has passed, falling back to the plain "no_tools"
// reason when no signal beyond "the model stopped calling tools" applies.
// The bool return mirrors the heuristic that matched and is unused by Run,
// which always stops on this branch, but is kept for callers that only
// care whether a "strong" signal (not just the bare absence of tool calls)
// fired.
func (l *Loop) shouldStopNoTools(step int, start time.Time, text, prevText string, noToolStreak int) (string, bool) {
	if noToolStreak >= 2 && step >= 2 {
		return "no_tool_stability", true
	}
	if step < l.cfg.EarlyExitMinStep {
		return "no_tools", false
	}
	if time.Since(start) > l.cfg.WallClock {
		return "wall_clock", true
	}
	if hasCompletionSignal(text) {
		return "completion_phrase", true
	}
	if prevText != "" && responsesAreSimilar(text, prevText) {
		return "similarity", true
	}
	return "no_tools", false
}

var completionPhrases = []string{
	"is there anything else",
	"let me know if you need",
	"hope this helps",
	"feel free to ask",
	"anything else i can help",
}

func hasCompletionSignal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// responsesAreSimilar combines four cheap signals into one stuck-loop
// detector: word-level Jaccard overlap, length ratio, sentence-count
// ratio, and punctuation-density ratio. All four must agree the two
// responses are close before the loop is judged to be repeating itself.
func responsesAreSimilar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	jaccard := jaccardSimilarity(tokenize(a), tokenize(b))
	lengthRatio := ratio(float64(len(a)), float64(len(b)))
	sentenceRatio := ratio(float64(countSentences(a)), float64(countSentences(b)))
	punctRatio := ratio(float64(countPunctuation(a)), float64(countPunctuation(b)))

	const threshold = 0.82
	return jaccard > threshold && lengthRatio > threshold && sentenceRatio > threshold && punctRatio > threshold
}

func tokenize(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.Trim(w, ".,!?;:\"'()")] = struct{}{}
	}
	return set
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func ratio(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return a / b
}

var sentenceSplitRe = regexp.MustCompile(`[.!?]+`)

func countSentences(s string) int {
	parts := sentenceSplitRe.Split(s, -1)
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func countPunctuation(s string) int {
	n := 0
	for _, r := range s {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			n++
		}
	}
	return n
}

// toolNameAliases maps common hallucinated tool names the model invents in
// free text to the actual registered name, when the model's training data
// uses a different convention than this catalog.
var toolNameAliases = map[string]string{
	"get_time":        "get_current_time",
	"current_time":    "get_current_time",
	"get_datetime":    "get_current_time",
	"search_web":      "web_search",
	"websearch":       "web_search",
	"read_file":       "file_read",
	"write_file":      "file_write",
	"list_files":      "file_list",
	"execute_command": "shell_exec",
	"run_command":     "shell_exec",
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*([\\[{].*?[\\]}])\\s*```")
var bareJSONObjectRe = regexp.MustCompile(`(?s)\{[^{}]*"(?:name|tool|function)"\s*:\s*"[^"]+"[^{}]*\}`)
var bareJSONArrayRe = regexp.MustCompile(`(?s)\[\s*(?:\{[^{}]*"(?:name|tool|function)"\s*:\s*"[^"]+"[^{}]*\}\s*,?\s*)+\]`)

type hallucinatedCall struct {
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

func (h hallucinatedCall) resolveName() string {
	for _, n := range []string{h.Name, h.Tool, h.Function} {
		if n != "" {
			return n
		}
	}
	return ""
}

func (h hallucinatedCall) resolveArgs() json.RawMessage {
	if len(h.Arguments) > 0 {
		return h.Arguments
	}
	if len(h.Args) > 0 {
		return h.Args
	}
	return json.RawMessage(`{}`)
}

// rescueToolCalls returns the model's structured tool calls unchanged when
// present. When the model returned none but emitted free text that looks
// like a hand-written tool invocation (a common failure mode for weaker or
// quantized local models), it parses that text as JSON — either a single
// object or an array of such objects — fuzzy-aliases each name against the
// known catalog, and synthesizes a tool call per element with an id
// distinguishable from a provider-issued one (spec.md §4.6/§4.7).
func rescueToolCalls(chunk *CompletionChunk, catalog []Tool) []models.ToolCall {
	if chunk.ToolCall != nil {
		return []models.ToolCall{*chunk.ToolCall}
	}
	if chunk.Text == "" {
		return nil
	}

	candidates := fencedJSONRe.FindAllStringSubmatch(chunk.Text, -1)
	var raw string
	if len(candidates) > 0 {
		raw = candidates[0][1]
	} else if m := bareJSONArrayRe.FindString(chunk.Text); m != "" {
		raw = m
	} else if m := bareJSONObjectRe.FindString(chunk.Text); m != "" {
		raw = m
	} else {
		return nil
	}
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "[") {
		var parsedList []hallucinatedCall
		if err := json.Unmarshal([]byte(raw), &parsedList); err != nil {
			return nil
		}
		var calls []models.ToolCall
		for i, parsed := range parsedList {
			name := parsed.resolveName()
			if name == "" {
				continue
			}
			resolved := resolveToolName(name, catalog)
			if resolved == "" {
				continue
			}
			calls = append(calls, models.ToolCall{
				ID:    synthesizeHallucinatedID(i),
				Name:  resolved,
				Input: parsed.resolveArgs(),
			})
		}
		return calls
	}

	var parsed hallucinatedCall
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	name := parsed.resolveName()
	if name == "" {
		return nil
	}

	resolved := resolveToolName(name, catalog)
	if resolved == "" {
		return nil
	}

	return []models.ToolCall{{
		ID:    synthesizeHallucinatedID(0),
		Name:  resolved,
		Input: parsed.resolveArgs(),
	}}
}

func synthesizeHallucinatedID(index int) string {
	return "call_h_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.Itoa(index)
}

// resolveToolName matches a hallucinated name against the alias table
// first, then an exact catalog match, then a substring/prefix fuzzy match
// against provider-qualified names (the gateway's "<provider>__<tool>"
// form hides the bare name the model is likely to have guessed).
func resolveToolName(name string, catalog []Tool) string {
	if alias, ok := toolNameAliases[name]; ok {
		name = alias
	}
	for _, t := range catalog {
		if t.Name() == name {
			return t.Name()
		}
	}
	for _, t := range catalog {
		if strings.HasSuffix(t.Name(), "__"+name) {
			return t.Name()
		}
	}
	lower := strings.ToLower(name)
	for _, t := range catalog {
		if strings.Contains(strings.ToLower(t.Name()), lower) {
			return t.Name()
		}
	}
	return ""
}
