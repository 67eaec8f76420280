package agent

import (
	"strings"
	"testing"

	agentctx "github.com/agentcore/agentcore/internal/agent/context"
	"github.com/agentcore/agentcore/pkg/models"
)

func TestApplyContextPruningNoopWhenUnconfigured(t *testing.T) {
	history := []CompletionMessage{{Role: "user", Content: "hi"}}
	got := applyContextPruning(history, &LoopConfig{})
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected pass-through, got %+v", got)
	}
}

func TestApplyContextPruningHardClearsOldToolResults(t *testing.T) {
	settings := agentctx.DefaultContextPruningSettings()
	settings.KeepLastAssistants = 1
	settings.SoftTrimRatio = 0
	settings.HardClearRatio = 0
	settings.MinPrunableToolChars = 1
	settings.HardClear.Enabled = true
	settings.HardClear.Placeholder = "[cleared]"

	big := strings.Repeat("x", 5000)
	history := []CompletionMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "call_1", Name: "search"}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_1", Content: big}}},
		{Role: "assistant", Content: "final answer"},
	}

	cfg := &LoopConfig{ContextPruning: &settings, ContextWindowChars: 100}
	got := applyContextPruning(history, cfg)

	if len(got) != len(history) {
		t.Fatalf("expected same message count, got %d", len(got))
	}
	if got[2].ToolResults[0].Content != "[cleared]" {
		t.Fatalf("expected old tool result cleared, got %q", got[2].ToolResults[0].Content)
	}
	if got[3].Content != "final answer" {
		t.Fatalf("expected trailing assistant message untouched, got %+v", got[3])
	}
}
