package config

import "time"

// LLMConfig configures the set of LLM backends the model client can route
// to (spec.md §4.4).
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default provider
	// fails, in order, before falling back to the local model.
	FallbackChain []string `yaml:"fallback_chain"`
}

// LLMProviderConfig configures one remote or local provider credential set.
// Not every field applies to every provider key; internal/agent/providers'
// factory reads only the fields its backend needs (see factory.go).
type LLMProviderConfig struct {
	APIKey       string                              `yaml:"api_key"`
	DefaultModel string                              `yaml:"default_model"`
	BaseURL      string                              `yaml:"base_url"`
	APIVersion   string                              `yaml:"api_version"`
	Profiles     map[string]LLMProviderProfileConfig `yaml:"profiles"`

	// MaxRetries/RetryDelay tune the common retry-with-backoff wrapper
	// shared by most remote providers.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// AppName/SiteURL are OpenRouter-specific dashboard attribution fields.
	AppName string `yaml:"app_name"`
	SiteURL string `yaml:"site_url"`

	// Models lists the model IDs a proxy-style backend (e.g. copilot-proxy)
	// exposes; ignored by providers that report their own model list.
	Models []string `yaml:"models"`

	// Bedrock holds the AWS-specific credential fields the Bedrock provider
	// needs beyond APIKey/BaseURL.
	Bedrock *LLMBedrockConfig `yaml:"bedrock"`
}

// LLMBedrockConfig configures the AWS Bedrock provider.
type LLMBedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// LLMProviderProfileConfig overrides provider credentials for a named
// profile (e.g. a distinct API key per workspace).
type LLMProviderProfileConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
}
