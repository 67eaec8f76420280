package config

// LoggingConfig configures the process-wide structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls the agent run event trace recorded by
// agent.TracePlugin: one JSONL file per process, replayable with
// agent.TraceReplayer for incident debugging or load-test analysis.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
