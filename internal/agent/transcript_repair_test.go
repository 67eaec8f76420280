package agent

import (
	"testing"

	"github.com/agentcore/agentcore/pkg/models"
)

func TestRepairTranscriptDropsDanglingToolResult(t *testing.T) {
	history := []CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_1", Content: "orphaned"}}},
	}
	got := repairTranscript(history)
	if len(got) != 1 || got[0].Role != "user" {
		t.Fatalf("expected the dangling tool result to be dropped, got %+v", got)
	}
}

func TestRepairTranscriptKeepsMatchedToolResult(t *testing.T) {
	history := []CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "call_1", Name: "echo"}}},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_1", Content: "ok"}}},
	}
	got := repairTranscript(history)
	if len(got) != 2 || got[1].ToolResults[0].ToolCallID != "call_1" {
		t.Fatalf("expected the matched tool result to survive, got %+v", got)
	}
}

func TestRepairTranscriptClearsPendingOnNewAssistantTurn(t *testing.T) {
	history := []CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "call_1", Name: "echo"}}},
		{Role: "assistant", Content: "moving on"},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_1", Content: "stale"}}},
	}
	got := repairTranscript(history)
	if len(got) != 2 {
		t.Fatalf("expected the stale tool result to be dropped after a new assistant turn, got %+v", got)
	}
}
