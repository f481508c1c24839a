package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
)

type mockBedrockClient struct {
	input      *bedrockruntime.ConverseInput
	converseFn func(*bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
}

func (m *mockBedrockClient) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.input = in
	return m.converseFn(in)
}

func TestBedrockProviderChat(t *testing.T) {
	client := &mockBedrockClient{converseFn: func(*bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
		return &bedrockruntime.ConverseOutput{
			Output: &types.ConverseOutputMemberMessage{Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "four"},
				},
			}},
			Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(2)},
		}, nil
	}}
	p := newBedrockProviderWithClient("bedrock", "anthropic.claude-3-haiku", client, slog.Default())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "2+2?"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "four", resp.Message.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "bedrock", resp.Backend)
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(client.input.ModelId))
	require.Len(t, client.input.System, 1)
	assert.Len(t, client.input.Messages, 1)
}

func TestToBedrockConverseInputFoldsToolResults(t *testing.T) {
	in := toBedrockConverseInput(domain.ChatRequest{
		Model: "m",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "go"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "a", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1"}`)},
				{ID: "b", Name: "calculator", Arguments: json.RawMessage(`{"expression":"2"}`)},
			}},
			{Role: domain.RoleTool, Content: "1", ToolCalls: []domain.ToolCall{{ID: "a"}}},
			{Role: domain.RoleTool, Content: "2", ToolCalls: []domain.ToolCall{{ID: "b"}}},
		},
		Tools: []domain.ToolSchema{{Name: "calculator"}},
	})

	require.Len(t, in.Messages, 3)
	assert.Len(t, in.Messages[2].Content, 2)
	require.NotNil(t, in.ToolConfig)
	assert.Len(t, in.ToolConfig.Tools, 1)
}

func TestToBedrockConverseInputToolConfigForToolHistory(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "6*7?"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"6*7"}`)},
		}},
		{Role: domain.RoleTool, Content: "42", ToolCalls: []domain.ToolCall{{ID: "c1"}}},
	}

	t.Run("schemas sent", func(t *testing.T) {
		in := toBedrockConverseInput(domain.ChatRequest{
			Model:    "m",
			Messages: msgs,
			Tools:    []domain.ToolSchema{{Name: "calculator", Parameters: json.RawMessage(`{"type":"object"}`)}, {Name: "web_search"}},
		})
		require.NotNil(t, in.ToolConfig)
		assert.Len(t, in.ToolConfig.Tools, 2)
	})

	t.Run("no schemas", func(t *testing.T) {
		in := toBedrockConverseInput(domain.ChatRequest{Model: "m", Messages: msgs})
		require.Len(t, in.Messages, 3)
		_, isUse := in.Messages[1].Content[0].(*types.ContentBlockMemberToolUse)
		assert.True(t, isUse)
		require.NotNil(t, in.ToolConfig)
		require.Len(t, in.ToolConfig.Tools, 1)
		tool, ok := in.ToolConfig.Tools[0].(*types.ToolMemberToolSpec)
		require.True(t, ok)
		assert.Equal(t, "calculator", aws.ToString(tool.Value.Name))
	})

	t.Run("plain chat has no tool config", func(t *testing.T) {
		in := toBedrockConverseInput(domain.ChatRequest{Model: "m", Messages: msgs[:1]})
		assert.Nil(t, in.ToolConfig)
	})
}

func TestBedrockImageBlock(t *testing.T) {
	_, ok := bedrockImageBlock(domain.Attachment{MIMEType: "image/png", Data: []byte("x")})
	assert.True(t, ok)
	_, ok = bedrockImageBlock(domain.Attachment{MIMEType: "image/png", URL: "https://x"})
	assert.False(t, ok, "URL-only images are not supported by Converse")
	_, ok = bedrockImageBlock(domain.Attachment{MIMEType: "image/tiff", Data: []byte("x")})
	assert.False(t, ok)
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("http %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestMapBedrockError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, 429},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, 403},
		{"not ready", &smithy.GenericAPIError{Code: "ModelNotReadyException"}, 503},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException"}, 400},
		{"response status wins", fmt.Errorf("op: %w", statusErr{code: 500}), 500},
		{"unknown", errors.New("dial tcp: refused"), 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapBedrockError("bedrock", tt.err)
			assert.Equal(t, tt.want, domain.StatusCodeOf(err))
		})
	}
}
