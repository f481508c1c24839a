package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateMemory(cfg, ve)
	validateTools(cfg, ve)
	validateFormat(cfg, ve)
	validateChannels(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.RecentWindow <= 0 {
		ve.Add("agent.recent_window must be > 0")
	}
	if cfg.Agent.FinalPassWindow < 0 {
		ve.Add("agent.final_pass_window must be >= 0")
	}
	if cfg.Agent.ModelTimeout <= 0 {
		ve.Add("agent.model_timeout must be > 0")
	}
	if cfg.Agent.ApologyText == "" {
		ve.Add("agent.apology_text must not be empty")
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"gemini":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	validateProvider("llm.primary", cfg.LLM.Primary, ve)
	validateProvider("llm.secondary", cfg.LLM.Secondary, ve)
	if cfg.LLM.Primary.Name != "" && cfg.LLM.Primary.Name == cfg.LLM.Secondary.Name {
		ve.Add("llm.primary and llm.secondary must have distinct names (both %q)", cfg.LLM.Primary.Name)
	}

	f := cfg.LLM.Failover
	if f.Cooldown <= 0 {
		ve.Add("llm.failover.cooldown must be > 0")
	}
	if f.ProbeTimeout <= 0 {
		ve.Add("llm.failover.probe_timeout must be > 0")
	}
	if len(f.RetryableStatuses) == 0 {
		ve.Add("llm.failover.retryable_statuses must not be empty")
	}
	for _, code := range f.RetryableStatuses {
		if code < 100 || code > 599 {
			ve.Add("llm.failover.retryable_statuses: %d is not an HTTP status", code)
		}
	}
}

func validateProvider(field string, p ProviderConfig, ve *ValidationError) {
	if p.Name == "" {
		ve.Add("%s.name must not be empty", field)
	}
	if !validProviderTypes[p.Type] {
		ve.Add("%s.type %q is invalid (want openai, gemini or bedrock)", field, p.Type)
	}
	if p.Model == "" {
		ve.Add("%s.model must not be empty", field)
	}
	if p.Type == "bedrock" && p.Region == "" {
		ve.Add("%s.region is required for bedrock", field)
	}
	if p.Pricing.InputPer1K < 0 || p.Pricing.OutputPer1K < 0 {
		ve.Add("%s.pricing must not be negative", field)
	}
	if p.CircuitBreaker.Enabled && p.CircuitBreaker.MaxFailures == 0 {
		ve.Add("%s.circuit_breaker.max_failures must be > 0 when enabled", field)
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if cfg.Memory.Path == "" {
		ve.Add("memory.path must not be empty")
	}
	if cfg.Memory.SimilarityTopK < 0 {
		ve.Add("memory.similarity_top_k must be >= 0")
	}
	if cfg.Memory.MaxRetained <= 0 {
		ve.Add("memory.max_retained must be > 0")
	}
	if cfg.Memory.MaxRetained > 0 && cfg.Memory.MaxRetained < cfg.Agent.RecentWindow {
		ve.Add("memory.max_retained (%d) must be >= agent.recent_window (%d)", cfg.Memory.MaxRetained, cfg.Agent.RecentWindow)
	}
	switch cfg.Memory.Embedding.Provider {
	case "", "openai":
	default:
		ve.Add("memory.embedding.provider %q is invalid (want openai or empty)", cfg.Memory.Embedding.Provider)
	}
}

var knownTools = map[string]bool{
	"calculator":     true,
	"web_search":     true,
	"generate_image": true,
}

func validateTools(cfg *Config, ve *ValidationError) {
	for _, name := range cfg.Tools.Enabled {
		if !knownTools[name] {
			ve.Add("tools.enabled: unknown tool %q", name)
		}
		if name == "web_search" && cfg.Tools.SearXNGURL == "" {
			ve.Add("tools.searxng_url is required when web_search is enabled")
		}
	}
	if cfg.Tools.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	for name, n := range cfg.Tools.PerTurnLimits {
		if n < 0 {
			ve.Add("tools.per_turn_limits.%s must be >= 0", name)
		}
	}
}

func validateFormat(cfg *Config, ve *ValidationError) {
	if cfg.Format.MaxSegmentSize < 16 {
		ve.Add("format.max_segment_size must be >= 16")
	}
	if cfg.Format.MaxSegmentCount <= 0 {
		ve.Add("format.max_segment_count must be > 0")
	}
}

func validateChannels(cfg *Config, ve *ValidationError) {
	for i, ch := range cfg.Channels {
		switch ch.Type {
		case "discord":
			if ch.Discord == nil {
				ve.Add("channels[%d]: discord section is required", i)
			}
		case "http":
			if ch.HTTP == nil || ch.HTTP.Addr == "" {
				ve.Add("channels[%d]: http.addr is required", i)
				continue
			}
			if _, _, err := net.SplitHostPort(ch.HTTP.Addr); err != nil {
				ve.Add("channels[%d]: http.addr %q is invalid: %v", i, ch.HTTP.Addr, err)
			}
		default:
			ve.Add("channels[%d]: unknown type %q", i, ch.Type)
		}
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	switch cfg.Metrics.Sink {
	case "log", "none":
	case "sqlite":
		if cfg.Metrics.Path == "" {
			ve.Add("metrics.path is required for the sqlite sink")
		}
	default:
		ve.Add("metrics.sink %q is invalid (want sqlite, log or none)", cfg.Metrics.Sink)
	}
}
