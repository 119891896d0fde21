package llm

import (
	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/config"
)

// NewClient creates an LLM client for the configured provider. Unknown or
// empty providers fall back to the mock client so the service stays usable
// without credentials.
func NewClient(cfg config.LLMConfig, log zerolog.Logger) Client {
	switch cfg.Provider {
	case "openai":
		log.Info().Str("provider", "openai").Str("model", cfg.Model).Msg("using OpenAI classifier")
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.Timeout)
	case "anthropic":
		log.Info().Str("provider", "anthropic").Str("model", cfg.Model).Msg("using Anthropic classifier")
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		log.Info().Str("provider", cfg.Provider).Msg("using mock classifier")
		return NewMockClient()
	}
}
