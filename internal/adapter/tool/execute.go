package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

// Execute is the standard tool pipeline: parse params, start a span, run the
// handler and format its value.
//
// The handler returns one of:
//   - (string, nil): plain-text success result
//   - (*domain.ToolResult, nil): returned as-is
//   - (any other value, nil): JSON-marshaled success result
//   - (nil, error): wrapped in domain.ErrToolFailure and returned to the caller
func Execute[P any](
	ctx context.Context,
	name string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool."+name,
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	var p P
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.NewDomainError("tool."+name, domain.ErrToolValidation,
				fmt.Sprintf("invalid params: %v", err))
		}
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn("tool failed", "tool", name, "error", err)
		return nil, domain.NewDomainError("tool."+name, domain.ErrToolFailure, err.Error())
	}
	return formatResult(span, name, result)
}

func formatResult(span trace.Span, name string, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.Name == "" {
			v.Name = name
		}
		v.Success = true
		tracer.SetOK(span)
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Name: name, Success: true, Content: v}, nil
	default:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.NewDomainError("tool."+name, domain.ErrToolFailure,
				fmt.Sprintf("format response: %v", err))
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Name: name, Success: true, Content: string(data)}, nil
	}
}

func joinComma(ss []string) string {
	switch len(ss) {
	case 0:
		return ""
	case 1:
		return ss[0]
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
