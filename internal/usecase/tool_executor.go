package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

// ToolExecutorConfig holds per-turn tool policy.
type ToolExecutorConfig struct {
	// PerTurnLimits caps executions of a tool within one turn. Tools that
	// implement domain.TurnLimited contribute their own cap; the lower wins.
	PerTurnLimits  map[string]int
	Timeout        time.Duration
	MetricsTimeout time.Duration
}

// ToolExecutor validates and runs the tool calls of one model response.
type ToolExecutor struct {
	registry domain.ToolRegistry
	metrics  domain.MetricsSink
	cfg      ToolExecutorConfig
	logger   *slog.Logger
}

// NewToolExecutor creates an executor. metrics may be nil.
func NewToolExecutor(registry domain.ToolRegistry, metrics domain.MetricsSink, cfg ToolExecutorConfig, logger *slog.Logger) *ToolExecutor {
	return &ToolExecutor{
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// Schemas returns the tool declarations offered to the model.
func (e *ToolExecutor) Schemas() []domain.ToolSchema {
	return e.registry.Schemas()
}

// ExecuteAll runs calls sequentially in request order and returns exactly
// one result per call, in the same order. A failing call never prevents
// the remaining calls from running.
func (e *ToolExecutor) ExecuteAll(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	executed := make(map[string]int, len(calls))

	for i, call := range calls {
		res, countable := e.executeOne(ctx, call, executed)
		results[i] = res
		if countable {
			e.recordMetric(ctx, call.Name, res.Success)
		}
	}
	return results
}

// executeOne returns the call's result and whether it counts as a completed
// invocation for metrics. Duplicate-ignored calls do not.
func (e *ToolExecutor) executeOne(ctx context.Context, call domain.ToolCall, executed map[string]int) (domain.ToolResult, bool) {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	fail := func(err error) domain.ToolResult {
		tracer.RecordError(span, err)
		return domain.ToolResult{ToolCallID: call.ID, Name: call.Name, Success: false, Content: err.Error()}
	}

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		return fail(err), true
	}

	if limit, ok := e.limitFor(tool); ok && executed[call.Name] >= limit {
		cause := domain.NewDomainError("ToolExecutor.execute", domain.ErrLimitReached,
			fmt.Sprintf("%s allows %d per turn", call.Name, limit))
		e.logger.Info("tool call ignored",
			"conversation_id", domain.ConversationIDFromContext(ctx), "tool", call.Name, "error", cause)
		tracer.RecordError(span, cause)
		return domain.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: domain.ErrToolDuplicateIgnored.Error()}, false
	}

	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return fail(err), true
	}

	executed[call.Name]++
	res, err := e.run(ctx, tool, call)
	if err != nil {
		e.logger.Warn("tool failed",
			"conversation_id", domain.ConversationIDFromContext(ctx), "tool", call.Name, "error", err)
		return fail(err), true
	}

	tracer.SetOK(span)
	out := domain.ToolResult{ToolCallID: call.ID, Name: call.Name, Success: true}
	if res != nil {
		out.Content = res.Content
		out.Attachments = res.Attachments
	}
	return out, true
}

func (e *ToolExecutor) limitFor(tool domain.Tool) (int, bool) {
	limit, ok := e.cfg.PerTurnLimits[tool.Name()]
	if tl, isLimited := tool.(domain.TurnLimited); isLimited {
		if n := tl.MaxPerTurn(); n > 0 && (!ok || n < limit) {
			limit, ok = n, true
		}
	}
	return limit, ok && limit > 0
}

// run invokes the tool body under the per-call timeout, converting panics
// into errors.
func (e *ToolExecutor) run(ctx context.Context, tool domain.Tool, call domain.ToolCall) (res *domain.ToolResult, err error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = domain.NewDomainError("ToolExecutor.run", domain.ErrToolFailure, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err = tool.Execute(ctx, call.Arguments)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		err = domain.NewDomainError("ToolExecutor.run", domain.ErrTimeout, call.Name)
	}
	return res, err
}

func (e *ToolExecutor) recordMetric(ctx context.Context, name string, success bool) {
	if e.metrics == nil {
		return
	}
	mctx := context.WithoutCancel(ctx)
	if e.cfg.MetricsTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(mctx, e.cfg.MetricsTimeout)
		defer cancel()
	}
	if err := e.metrics.RecordToolCall(mctx, name, success); err != nil {
		e.logger.Warn("record tool metric failed", "tool", name, "error", err)
	}
}

// ToolMessages renders results as tool-role messages correlated to their
// originating call IDs.
func ToolMessages(results []domain.ToolResult, at time.Time) []domain.Message {
	msgs := make([]domain.Message, 0, len(results))
	for _, r := range results {
		content := r.Content
		if !r.Success {
			content = "error: " + content
		}
		msgs = append(msgs, domain.Message{
			Role:      domain.RoleTool,
			Name:      r.Name,
			Content:   content,
			ToolCalls: []domain.ToolCall{{ID: r.ToolCallID, Name: r.Name}},
			Timestamp: at,
		})
	}
	return msgs
}
