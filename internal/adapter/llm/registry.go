package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

// NewProvider builds the backend named by cfg.Type, wrapped in a circuit
// breaker when enabled.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	var p domain.LLMProvider
	switch cfg.Type {
	case "openai":
		p = NewOpenAIProvider(cfg, logger)
	case "gemini":
		p = NewGeminiProvider(cfg, logger)
	case "bedrock":
		bp, err := NewBedrockProvider(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", cfg.Name, err)
		}
		p = bp
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrBackendNotFound, cfg.Type)
	}

	if cfg.CircuitBreaker.Enabled {
		p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
	}
	return p, nil
}

// NewGatewayFromConfig builds both backends and the gateway in front of them.
func NewGatewayFromConfig(ctx context.Context, cfg config.LLMConfig, callTimeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	primary, err := NewProvider(ctx, cfg.Primary, logger)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	secondary, err := NewProvider(ctx, cfg.Secondary, logger)
	if err != nil {
		return nil, fmt.Errorf("secondary: %w", err)
	}
	return NewGateway(primary, secondary, cfg.Failover, logger, WithCallTimeout(callTimeout)), nil
}
