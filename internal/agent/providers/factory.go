package providers

import (
	"fmt"

	"github.com/agentcore/agentcore/internal/agent"
	"github.com/agentcore/agentcore/internal/config"
)

// BuildProviders constructs the local provider and the ordered remote
// provider list from an LLMConfig, matching each provider's config key to
// the constructor that knows its backend (spec.md §4.4's local/remote
// split). local is nil when no "ollama" entry is configured.
func BuildProviders(cfg config.LLMConfig) (local agent.LLMProvider, remote []agent.LLMProvider, err error) {
	for name, pc := range cfg.Providers {
		provider, buildErr := buildProvider(name, pc)
		if buildErr != nil {
			return nil, nil, fmt.Errorf("build provider %q: %w", name, buildErr)
		}
		if provider == nil {
			continue
		}
		if name == "ollama" {
			local = provider
			continue
		}
		remote = append(remote, provider)
	}
	return local, remote, nil
}

func buildProvider(name string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("api_key is required")
		}
		return NewOpenAIProvider(pc.APIKey), nil
	case "azure":
		return NewAzureOpenAIProvider(AzureOpenAIConfig{
			Endpoint:     pc.BaseURL,
			APIKey:       pc.APIKey,
			APIVersion:   pc.APIVersion,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       pc.APIKey,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			DefaultModel: pc.DefaultModel,
		})
	case "openrouter":
		return NewOpenRouterProvider(OpenRouterConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
			AppName:      pc.AppName,
			SiteURL:      pc.SiteURL,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
	case "copilot-proxy":
		return NewCopilotProxyProvider(CopilotProxyConfig{
			BaseURL: pc.BaseURL,
			Models:  pc.Models,
		})
	case "bedrock":
		bc := pc.Bedrock
		if bc == nil {
			bc = &config.LLMBedrockConfig{}
		}
		return NewBedrockProvider(BedrockConfig{
			Region:          bc.Region,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			SessionToken:    bc.SessionToken,
			DefaultModel:    pc.DefaultModel,
			MaxRetries:      pc.MaxRetries,
			RetryDelay:      pc.RetryDelay,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider key %q", name)
	}
}
