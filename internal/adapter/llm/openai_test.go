package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		Type:    "openai",
		BaseURL: server.URL + "/v1",
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, slog.Default())
}

func TestOpenAIProviderChat(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "gpt-4o-mini", req["model"])
		tools, _ := req["tools"].([]any)
		assert.Len(t, tools, 1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "calculator", "arguments": "{\"expression\":\"2+2\"}"}}]}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	})

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "what is 2+2?"}},
		Tools: []domain.ToolSchema{{
			Name:        "calculator",
			Description: "Evaluate arithmetic",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Backend)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "calculator", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"expression":"2+2"}`, string(resp.Message.ToolCalls[0].Arguments))
}

func TestOpenAIProviderStatusErrors(t *testing.T) {
	for _, code := range []int{401, 429, 503} {
		p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
		})

		_, err := p.Chat(context.Background(), domain.ChatRequest{
			Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		})
		require.Error(t, err)
		assert.Equal(t, code, domain.StatusCodeOf(err))
		var be *domain.BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "openai", be.Backend)
	}
}

func TestOpenAIProviderTransportError(t *testing.T) {
	p := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: "http://127.0.0.1:1/v1",
		Model:   "gpt-4o-mini",
	}, slog.Default())

	_, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, domain.StatusCodeOf(err))
}

func TestToOpenAIMessageImages(t *testing.T) {
	msg := toOpenAIMessage(domain.Message{
		Role:    domain.RoleUser,
		Content: "what is this?",
		Attachments: []domain.Attachment{
			{Name: "a.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}},
			{Name: "b.jpg", MIMEType: "image/jpeg", URL: "https://cdn.example/b.jpg"},
			{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("x")},
		},
	})

	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 3)
	assert.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	assert.True(t, strings.HasPrefix(msg.MultiContent[1].ImageURL.URL, "data:image/png;base64,"))
	assert.Equal(t, "https://cdn.example/b.jpg", msg.MultiContent[2].ImageURL.URL)
}

func TestToOpenAIMessageToolRoundTrip(t *testing.T) {
	assistant := toOpenAIMessage(domain.Message{
		Role: domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`)},
		},
	})
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, `{"expression":"1+1"}`, assistant.ToolCalls[0].Function.Arguments)

	result := toOpenAIMessage(domain.Message{
		Role:      domain.RoleTool,
		Name:      "calculator",
		Content:   "2",
		ToolCalls: []domain.ToolCall{{ID: "call_1"}},
	})
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "2", result.Content)
}

func TestMapOpenAIError(t *testing.T) {
	err := mapOpenAIError("openai", &openai.APIError{HTTPStatusCode: 404, Message: "model not found"})
	assert.Equal(t, 404, domain.StatusCodeOf(err))
	assert.Contains(t, err.Error(), "API error 404")

	err = mapOpenAIError("openai", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")})
	assert.Equal(t, 502, domain.StatusCodeOf(err))

	err = mapOpenAIError("openai", context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, domain.StatusCodeOf(err))
}
