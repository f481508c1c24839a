package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.RecentWindow = 0
	cfg.LLM.Primary.Type = "anthropic"
	cfg.LLM.Failover.Cooldown = 0
	cfg.Format.MaxSegmentCount = 0

	err := Validate(cfg)
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.GreaterOrEqual(t, len(ve.Errors), 4)
	assert.Contains(t, err.Error(), "agent.recent_window")
	assert.Contains(t, err.Error(), "llm.primary.type")
	assert.Contains(t, err.Error(), "llm.failover.cooldown")
	assert.Contains(t, err.Error(), "format.max_segment_count")
}

func TestValidateCases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"same backend names", func(c *Config) { c.LLM.Secondary.Name = c.LLM.Primary.Name }, "distinct names"},
		{"bad status", func(c *Config) { c.LLM.Failover.RetryableStatuses = []int{42} }, "not an HTTP status"},
		{"empty statuses", func(c *Config) { c.LLM.Failover.RetryableStatuses = nil }, "must not be empty"},
		{"bedrock region", func(c *Config) { c.LLM.Secondary.Type = "bedrock" }, "region is required"},
		{"negative price", func(c *Config) { c.LLM.Primary.Pricing.InputPer1K = -1 }, "pricing"},
		{"unknown tool", func(c *Config) { c.Tools.Enabled = []string{"shell"} }, "unknown tool"},
		{"search without url", func(c *Config) { c.Tools.Enabled = []string{"web_search"} }, "searxng_url"},
		{"tiny segment", func(c *Config) { c.Format.MaxSegmentSize = 4 }, "max_segment_size"},
		{"retained below window", func(c *Config) { c.Memory.MaxRetained = 3 }, "max_retained"},
		{"bad embedding", func(c *Config) { c.Memory.Embedding.Provider = "cohere" }, "embedding.provider"},
		{"bad channel", func(c *Config) { c.Channels = []ChannelConfig{{Type: "irc"}} }, "unknown type"},
		{"http without addr", func(c *Config) { c.Channels = []ChannelConfig{{Type: "http"}} }, "http.addr"},
		{"bad sink", func(c *Config) { c.Metrics.Sink = "statsd" }, "metrics.sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}
