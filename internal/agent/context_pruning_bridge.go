package agent

import (
	agentctx "github.com/agentcore/agentcore/internal/agent/context"
	"github.com/agentcore/agentcore/pkg/models"
)

// applyContextPruning soft-trims and, once a configured char-budget ratio is
// exceeded, hard-clears old tool result content before the fixed-count
// truncation in pruneContext runs. cfg.ContextPruning is nil (the zero
// value most callers get from config.EffectiveContextPruningSettings when
// context_pruning.mode is "off") for a plain no-op pass-through.
//
// agentctx.PruneContextMessages operates on []*models.Message (the shape
// internal/config/context_pruning.go was grounded on); CompletionMessage
// carries the same ToolCalls/ToolResults sub-types, so the round trip only
// has to bridge the envelope.
func applyContextPruning(history []CompletionMessage, cfg *LoopConfig) []CompletionMessage {
	if cfg == nil || cfg.ContextPruning == nil || cfg.ContextWindowChars <= 0 {
		return history
	}
	if cfg.ContextPruning.Mode == agentctx.ContextPruningOff {
		return history
	}

	converted := toModelMessages(history)
	pruned := agentctx.PruneContextMessages(converted, *cfg.ContextPruning, cfg.ContextWindowChars)
	return fromModelMessages(history, pruned)
}

func toModelMessages(history []CompletionMessage) []*models.Message {
	out := make([]*models.Message, len(history))
	for i, m := range history {
		out[i] = &models.Message{
			Role:        models.Role(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		}
	}
	return out
}

// fromModelMessages copies pruned tool result content back onto the
// original CompletionMessage slice, preserving every field
// agentctx.PruneContextMessages doesn't know about (Attachments).
func fromModelMessages(original []CompletionMessage, pruned []*models.Message) []CompletionMessage {
	if len(pruned) != len(original) {
		return original
	}
	out := make([]CompletionMessage, len(original))
	for i, m := range original {
		copied := m
		if pruned[i] != nil {
			copied.ToolResults = pruned[i].ToolResults
		}
		out[i] = copied
	}
	return out
}
