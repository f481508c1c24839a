package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size read from model APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// doJSONRequest performs a JSON POST and returns the response body. Every
// failure is a *domain.BackendError carrying a status code.
func doJSONRequest(ctx context.Context, client *http.Client, backend, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(backend, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, transportError(backend, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(backend, httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// transportError classifies a failure that produced no HTTP response.
// Deadline expiry reads as 504, anything else as 503.
func transportError(backend string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewBackendError(backend, http.StatusGatewayTimeout, err)
	}
	return domain.NewBackendError(backend, http.StatusServiceUnavailable, err)
}

// mapHTTPError turns a non-200 response into a BackendError whose message
// keeps the "API error <code>:" prefix used by log scrapers.
func mapHTTPError(backend string, statusCode int, body []byte) error {
	const maxDetail = 512
	if len(body) > maxDetail {
		body = body[:maxDetail]
	}
	return domain.NewBackendError(backend, statusCode, fmt.Errorf("API error %d: %s", statusCode, body))
}

func logChatCompleted(logger *slog.Logger, backend string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"backend", backend,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
}

func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

func startChatSpan(ctx context.Context, backend, model string) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.backend", backend),
			tracer.StringAttr("llm.model", model),
		),
	)
}
