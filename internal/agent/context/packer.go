// Package context provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package context

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/agentcore/agentcore/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include (e.g. 60).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars per tool result content.
	// Longer results are truncated. Default: 6000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool

	// SummaryMetadataKey is the metadata key marking summary messages.
	// Default: "nexus_summary".
	SummaryMetadataKey string
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
		SummaryMetadataKey: SummaryMetadataKey,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	if opts.SummaryMetadataKey == "" {
		opts.SummaryMetadataKey = SummaryMetadataKey
	}
	return &Packer{opts: opts}
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (newest first, up to budget)
//  3. The incoming user message
//
// Tool result content is truncated to MaxToolResultChars.
// Messages are selected from the end (most recent) backwards until
// either MaxMessages or MaxChars is reached.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	var result []*models.Message

	// Track budget
	totalChars := 0
	totalMsgs := 0

	// Reserve space for incoming message (only if present)
	if incoming != nil {
		incomingChars := p.messageChars(incoming)
		totalChars += incomingChars
		totalMsgs++
	}

	// Reserve space for summary if present and enabled
	if p.opts.IncludeSummary && summary != nil {
		summaryChars := p.messageChars(summary)
		totalChars += summaryChars
		totalMsgs++
	}

	// Filter out summary messages from history (they're handled separately)
	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	// Select messages from the end (most recent) backwards
	// Build in reverse order, then reverse once (O(n) instead of O(n²))
	selectedReverse := make([]*models.Message, 0)
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)

		// Check if we'd exceed budget
		if totalMsgs+1 > p.opts.MaxMessages {
			break
		}
		if totalChars+msgChars > p.opts.MaxChars {
			break
		}

		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += msgChars
	}

	// Reverse selectedReverse to get chronological order
	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	// Build final result in order
	// 1. Summary (if present and enabled)
	if p.opts.IncludeSummary && summary != nil {
		result = append(result, summary)
	}

	// 2. Selected history messages (now in chronological order)
	for _, m := range selected {
		// Truncate tool results if needed
		packed := p.truncateToolResults(m)
		result = append(result, packed)
	}

	// 3. Incoming message
	if incoming != nil {
		result = append(result, incoming)
	}

	return result, nil
}

// PackResult is the return value of PackWithDiagnostics: the packed
// messages plus a full accounting of every candidate's inclusion or
// exclusion reason, suitable for driving a context.packed observability
// event (see agent.EventEmitter.ContextPacked).
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// PackWithDiagnostics runs the same selection as Pack but additionally
// records, for every candidate message, whether it was included and why
// (models.ContextPackReason), plus aggregate budget usage.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) *PackResult {
	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	totalChars := 0
	totalMsgs := 0

	if incoming != nil {
		c := p.messageChars(incoming)
		totalChars += c
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       itemHash(incoming),
			Kind:     models.ContextItemIncoming,
			Chars:    c,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}

	if p.opts.IncludeSummary && summary != nil {
		c := p.messageChars(summary)
		totalChars += c
		totalMsgs++
		diag.SummaryUsed = true
		diag.SummaryChars = c
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       itemHash(summary),
			Kind:     models.ContextItemSummary,
			Chars:    c,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	included := make([]bool, len(filtered))
	reasons := make([]models.ContextPackReason, len(filtered))
	chars := make([]int, len(filtered))
	budgetExceeded := false

	selectedReverse := make([]*models.Message, 0, len(filtered))
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)
		chars[i] = msgChars

		if !budgetExceeded && totalMsgs+1 <= p.opts.MaxMessages && totalChars+msgChars <= p.opts.MaxChars {
			selectedReverse = append(selectedReverse, m)
			totalMsgs++
			totalChars += msgChars
			included[i] = true
			reasons[i] = models.ContextReasonIncluded
		} else {
			budgetExceeded = true
			reasons[i] = models.ContextReasonOverBudget
		}
	}

	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	for i, m := range filtered {
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       itemHash(m),
			Kind:     classifyItemKind(m),
			Chars:    chars[i],
			Included: included[i],
			Reason:   reasons[i],
		})
		if included[i] {
			diag.Included++
		} else {
			diag.Dropped++
		}
	}

	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs

	var packed []*models.Message
	if p.opts.IncludeSummary && summary != nil {
		packed = append(packed, summary)
	}
	for _, m := range selected {
		packed = append(packed, p.truncateToolResults(m))
	}
	if incoming != nil {
		packed = append(packed, incoming)
	}

	return &PackResult{Messages: packed, Diagnostics: diag}
}

// classifyItemKind buckets a message for context-packing diagnostics: any
// message carrying tool calls or tool results is "tool" regardless of
// role, since that's the dimension operators care about when tuning
// budgets.
func classifyItemKind(m *models.Message) models.ContextItemKind {
	if m == nil {
		return models.ContextItemHistory
	}
	if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 || m.Role == models.RoleTool {
		return models.ContextItemTool
	}
	if m.Role == models.RoleSystem {
		return models.ContextItemSystem
	}
	return models.ContextItemHistory
}

// itemHash gives each diagnostics item a short, stable, content-derived
// ID without echoing the message content itself into trace output.
func itemHash(m *models.Message) string {
	if m == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(m.ID + "|" + string(m.Role) + "|" + m.Content))
	return hex.EncodeToString(sum[:])[:12]
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

// isSummaryMessage checks if a message is a summary marker.
func (p *Packer) isSummaryMessage(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	val, ok := m.Metadata[p.opts.SummaryMetadataKey]
	if !ok {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

// truncateToolResults returns a copy with truncated tool result content.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	if len(m.ToolResults) == 0 {
		return m
	}

	// Check if any truncation needed
	needsTruncation := false
	for _, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	// Create copy with truncated results
	copy := *m
	copy.ToolResults = make([]models.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			truncated := tr
			truncated.Content = tr.Content[:p.opts.MaxToolResultChars] + "\n...[truncated]"
			copy.ToolResults[i] = truncated
		} else {
			copy.ToolResults[i] = tr
		}
	}
	return &copy
}
