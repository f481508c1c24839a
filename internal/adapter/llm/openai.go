package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/tracer"
)

// OpenAIProvider implements domain.LLMProvider on the OpenAI chat completions
// API, or any endpoint compatible with it.
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider for the OpenAI API.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = NewHTTPClient(cfg)

	return &OpenAIProvider{
		name:   cfg.Name,
		model:  cfg.Model,
		client: openai.NewClientWithConfig(oc),
		logger: logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := startChatSpan(ctx, p.name, req.Model)
	defer span.End()

	resp, err := p.client.CreateChatCompletion(ctx, toOpenAIRequest(req))
	if err != nil {
		err = mapOpenAIError(p.name, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromOpenAIResponse(resp)
	result.Backend = p.name
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

func toOpenAIRequest(req domain.ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOpenAIMessage(m))
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func toOpenAIMessage(m domain.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: m.Role}

	switch {
	case m.Role == domain.RoleTool:
		msg.Content = m.Content
		msg.Name = m.Name
		if len(m.ToolCalls) > 0 {
			msg.ToolCallID = m.ToolCalls[0].ID
		}
	case len(m.ToolCalls) > 0:
		msg.Content = m.Content
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
	case hasImages(m.Attachments):
		// Content and MultiContent are mutually exclusive on the wire.
		msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: m.Content,
		})
		for _, a := range m.Attachments {
			if !a.IsImage() {
				continue
			}
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: imageURL(a), Detail: openai.ImageURLDetailAuto},
			})
		}
	default:
		msg.Content = m.Content
	}
	return msg
}

func hasImages(atts []domain.Attachment) bool {
	for _, a := range atts {
		if a.IsImage() && (a.URL != "" || len(a.Data) > 0) {
			return true
		}
	}
	return false
}

// imageURL prefers inline data so the backend need not fetch the image.
func imageURL(a domain.Attachment) string {
	if len(a.Data) > 0 {
		return fmt.Sprintf("data:%s;base64,%s", a.MIMEType, base64.StdEncoding.EncodeToString(a.Data))
	}
	return a.URL
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: now,
	}

	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		msg.Content = choice.Content
		for _, tc := range choice.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
	}
	result.Message = msg
	return result
}

// mapOpenAIError extracts the HTTP status from go-openai's error types.
func mapOpenAIError(backend string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return domain.NewBackendError(backend, apiErr.HTTPStatusCode,
			fmt.Errorf("API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return domain.NewBackendError(backend, reqErr.HTTPStatusCode, err)
	}
	return transportError(backend, err)
}
