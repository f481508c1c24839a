package metrics

import (
	"context"
	"log/slog"

	"convoagent/internal/domain"
)

// LogSink writes metrics as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// RecordToolCall implements domain.MetricsSink.
func (s *LogSink) RecordToolCall(ctx context.Context, name string, success bool) error {
	s.logger.InfoContext(ctx, "metric tool_call", "tool", name, "success", success)
	return nil
}

// RecordTokenUsage implements domain.MetricsSink.
func (s *LogSink) RecordTokenUsage(ctx context.Context, usage domain.TokenUsage) error {
	s.logger.InfoContext(ctx, "metric token_usage",
		"backend", usage.Backend,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens,
		"cost_usd", usage.CostEstimate,
	)
	return nil
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordToolCall(context.Context, string, bool) error         { return nil }
func (Nop) RecordTokenUsage(context.Context, domain.TokenUsage) error { return nil }

var (
	_ domain.MetricsSink = (*LogSink)(nil)
	_ domain.MetricsSink = Nop{}
)
