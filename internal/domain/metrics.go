package domain

import "context"

// MetricsSink receives fire-and-forget operational counters. Errors returned
// by a sink are logged by callers and never abort a turn.
type MetricsSink interface {
	RecordToolCall(ctx context.Context, name string, success bool) error
	RecordTokenUsage(ctx context.Context, usage TokenUsage) error
}
