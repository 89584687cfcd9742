package llm

import (
	"fmt"
	"log/slog"

	"knowbot/internal/domain"
	"knowbot/internal/infra/config"
)

// NewFromConfig constructs an LLM provider from its configuration, wrapped
// in a circuit breaker.
func NewFromConfig(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	var inner domain.LLMProvider
	var err error

	switch cfg.Type {
	case "openai", "":
		inner = NewOpenAIProvider(cfg, logger)
	case "bedrock":
		inner, err = newBedrockFromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}

	return NewCircuitBreakerProvider(inner, CircuitBreakerConfig{}, logger), nil
}
