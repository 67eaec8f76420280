package config

import "time"

// ContextPruningConfig controls in-memory tool-result pruning applied to
// the conversation history before each model call (spec.md §4.6's context
// window trimming step).
type ContextPruningConfig struct {
	Mode                 string                  `yaml:"mode"`
	TTL                  *time.Duration          `yaml:"ttl"`
	KeepLastAssistants   *int                    `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                    `yaml:"min_prunable_tool_chars"`
	// ContextWindowChars is the char-budget denominator the soft/hard-clear
	// ratios above are measured against. Default: 120000 (~30k tokens at 4
	// chars/token).
	ContextWindowChars *int                    `yaml:"context_window_chars"`
	Tools              ContextPruningToolMatch `yaml:"tools"`
	SoftTrim           ContextPruningSoftTrim  `yaml:"soft_trim"`
	HardClear          ContextPruningHardClear `yaml:"hard_clear"`
}

// DefaultContextWindowChars is used when ContextWindowChars is unset.
const DefaultContextWindowChars = 120000

// EffectiveContextWindowChars returns the configured char budget, or
// DefaultContextWindowChars if unset.
func EffectiveContextWindowChars(cfg ContextPruningConfig) int {
	if cfg.ContextWindowChars != nil && *cfg.ContextWindowChars > 0 {
		return *cfg.ContextWindowChars
	}
	return DefaultContextWindowChars
}

// ContextPruningToolMatch selects which tool results can be trimmed.
type ContextPruningToolMatch struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ContextPruningSoftTrim configures soft trimming of tool result content.
type ContextPruningSoftTrim struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

// ContextPruningHardClear configures hard clearing of tool result content.
type ContextPruningHardClear struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}
