package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime for tests.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.LLMProvider via the AWS Bedrock Converse API.
type BedrockProvider struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:   name,
		model:  model,
		client: client,
		logger: logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := startChatSpan(ctx, p.name, req.Model)
	defer span.End()

	output, err := p.client.Converse(ctx, toBedrockConverseInput(req))
	if err != nil {
		err = mapBedrockError(p.name, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req.Model)
	result.Backend = p.name
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// Name implements domain.LLMProvider.
func (p *BedrockProvider) Name() string { return p.name }

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			input.System = []types.SystemContentBlock{
				&types.SystemContentBlockMemberText{Value: m.Content},
			}
			continue
		}

		msg := toBedrockMessage(m)
		if msg == nil {
			continue
		}
		// Converse requires alternating roles: fold consecutive tool results
		// into a single user message.
		if n := len(input.Messages); n > 0 && m.Role == domain.RoleTool && isToolResultMessage(input.Messages[n-1]) {
			input.Messages[n-1].Content = append(input.Messages[n-1].Content, msg.Content...)
			continue
		}
		input.Messages = append(input.Messages, *msg)
	}

	tools := req.Tools
	if len(tools) == 0 {
		tools = toolsReferenced(req.Messages)
	}
	if len(tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(tools)
	}
	return input
}

// toolsReferenced returns an open-schema definition for each tool named in the
// history. Converse rejects toolUse and toolResult blocks without a tool
// configuration.
func toolsReferenced(msgs []domain.Message) []domain.ToolSchema {
	var tools []domain.ToolSchema
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Name == "" || seen[tc.Name] {
				continue
			}
			seen[tc.Name] = true
			tools = append(tools, domain.ToolSchema{Name: tc.Name, Description: tc.Name})
		}
	}
	return tools
}

func isToolResultMessage(m types.Message) bool {
	if m.Role != types.ConversationRoleUser || len(m.Content) == 0 {
		return false
	}
	_, ok := m.Content[0].(*types.ContentBlockMemberToolResult)
	return ok
}

func toBedrockMessage(m domain.Message) *types.Message {
	msg := &types.Message{}

	switch m.Role {
	case domain.RoleTool:
		msg.Role = types.ConversationRoleUser
		toolUseID := ""
		if len(m.ToolCalls) > 0 {
			toolUseID = m.ToolCalls[0].ID
		}
		msg.Content = []types.ContentBlock{
			&types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(toolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			},
		}

	case domain.RoleAssistant:
		msg.Role = types.ConversationRoleAssistant
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		if len(msg.Content) == 0 {
			return nil
		}

	case domain.RoleUser:
		msg.Role = types.ConversationRoleUser
		msg.Content = []types.ContentBlock{
			&types.ContentBlockMemberText{Value: m.Content},
		}
		for _, a := range m.Attachments {
			if img, ok := bedrockImageBlock(a); ok {
				msg.Content = append(msg.Content, img)
			}
		}

	default:
		return nil
	}

	return msg
}

// bedrockImageBlock only supports inline bytes; Converse cannot fetch URLs.
func bedrockImageBlock(a domain.Attachment) (types.ContentBlock, bool) {
	if !a.IsImage() || len(a.Data) == 0 {
		return nil, false
	}
	var format types.ImageFormat
	switch strings.TrimPrefix(a.MIMEType, "image/") {
	case "png":
		format = types.ImageFormatPng
	case "jpeg", "jpg":
		format = types.ImageFormatJpeg
	case "gif":
		format = types.ImageFormatGif
	case "webp":
		format = types.ImageFormatWebp
	default:
		return nil, false
	}
	return &types.ContentBlockMemberImage{Value: types.ImageBlock{
		Format: format,
		Source: &types.ImageSourceMemberBytes{Value: a.Data},
	}}, true
}

func toBedrockToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{
		Model:     model,
		CreatedAt: now,
	}

	if output.Usage != nil {
		in := int(aws.ToInt32(output.Usage.InputTokens))
		out := int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: marshalDocument(b.Value.Input),
				})
			}
		}
		msg.Content = text.String()
	}

	result.Message = msg
	return result
}

// marshalDocument converts a Bedrock document to raw JSON, "{}" on failure.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// bedrockCodeStatus maps Bedrock exception codes to HTTP statuses for errors
// that reach us without a transport response attached.
var bedrockCodeStatus = map[string]int{
	"ThrottlingException":         http.StatusTooManyRequests,
	"TooManyRequestsException":    http.StatusTooManyRequests,
	"AccessDeniedException":       http.StatusForbidden,
	"UnrecognizedClientException": http.StatusUnauthorized,
	"ResourceNotFoundException":   http.StatusNotFound,
	"ModelTimeoutException":       http.StatusRequestTimeout,
	"ModelNotReadyException":      http.StatusServiceUnavailable,
	"ServiceUnavailableException": http.StatusServiceUnavailable,
	"InternalServerException":     http.StatusInternalServerError,
	"ValidationException":         http.StatusBadRequest,
}

func mapBedrockError(backend string, err error) error {
	if status := domain.StatusCodeOf(err); status != 0 {
		return domain.NewBackendError(backend, status, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if status, ok := bedrockCodeStatus[apiErr.ErrorCode()]; ok {
			return domain.NewBackendError(backend, status, err)
		}
	}
	return transportError(backend, err)
}
