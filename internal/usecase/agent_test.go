package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
)

type agentFixture struct {
	model   *scriptedModel
	store   *fakeStore
	metrics *fakeMetrics
	image   *fakeTool
	calc    *fakeTool
	agent   *Agent
}

func newAgentFixture(t *testing.T, model *scriptedModel, window int) *agentFixture {
	t.Helper()
	f := &agentFixture{
		model:   model,
		store:   &fakeStore{},
		metrics: &fakeMetrics{},
		image:   &fakeTool{name: "generate_image", maxPerTurn: 1},
		calc:    &fakeTool{name: "calculator"},
	}
	f.image.run = func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{
			Content:     "image ready",
			Attachments: []domain.Attachment{{Name: "image.png", MIMEType: "image/png", Data: []byte{1}}},
		}, nil
	}
	reg := newFakeRegistry(limitedTool{f.image}, f.calc)
	tick := t0
	f.agent = NewAgent(AgentDeps{
		Model:           model,
		Memory:          NewMemoryAssembler(f.store, 10, 5, time.Second, discardLogger()),
		Tools:           NewToolExecutor(reg, f.metrics, ToolExecutorConfig{}, discardLogger()),
		Logger:          discardLogger(),
		Metrics:         f.metrics,
		Costs:           flatPrice(0.001),
		SystemPrompt:    "be brief",
		FinalPassWindow: window,
		Now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})
	return f
}

func inbound(text string) domain.InboundTurn {
	return domain.InboundTurn{ParticipantID: "u1", ConversationID: "c1", Text: text}
}

func TestHandleTurnWithoutTools(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{
		textResponse("hello there", domain.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}),
	}}
	f := newAgentFixture(t, model, 4)

	res, err := f.agent.HandleTurn(context.Background(), inbound("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Content)
	assert.Equal(t, 1, res.ModelCalls)
	assert.Empty(t, res.ToolsUsed)
	assert.Equal(t, 1, model.calls())

	req := model.requests[0]
	assert.NotEmpty(t, req.Tools)
	assert.Equal(t, domain.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[len(req.Messages)-1].Content)

	stored := f.store.stored()
	require.Len(t, stored, 2)
	assert.Equal(t, domain.RoleUser, stored[0].Role)
	assert.Equal(t, domain.RoleAssistant, stored[1].Role)
	assert.Equal(t, "hello there", stored[1].Content)
}

func TestHandleTurnToolRoundTrip(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{
		toolResponse("", domain.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
			call("A", "generate_image", `{"prompt":"a"}`),
			call("B", "generate_image", `{"prompt":"b"}`),
			call("C", "calculator", `{"expression":"2*3"}`),
		),
		textResponse("here you go", domain.Usage{PromptTokens: 50, CompletionTokens: 5, TotalTokens: 55}),
	}}
	f := newAgentFixture(t, model, 4)

	res, err := f.agent.HandleTurn(context.Background(), inbound("draw and compute"))
	require.NoError(t, err)
	assert.Equal(t, "here you go", res.Content)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, []string{"generate_image", "calculator"}, res.ToolsUsed)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, 1, f.image.executed())

	assert.Equal(t, domain.TokenUsage{
		Backend: "primary", InputTokens: 150, OutputTokens: 15, TotalTokens: 165, CostEstimate: 0.165,
	}, roundCost(res.Usage))
	require.Len(t, f.metrics.usage, 1)
	assert.Equal(t, 165, f.metrics.usage[0].TotalTokens)

	second := model.requests[1]
	assert.Equal(t, model.requests[0].Tools, second.Tools)
	msgs := second.Messages
	toolMsgs := msgs[len(msgs)-3:]
	assert.Equal(t, "A", toolMsgs[0].ToolCalls[0].ID)
	assert.Equal(t, "error: duplicate ignored", toolMsgs[1].Content)
	assert.Equal(t, "C", toolMsgs[2].ToolCalls[0].ID)
	assistant := msgs[len(msgs)-4]
	assert.Equal(t, domain.RoleAssistant, assistant.Role)
	assert.Len(t, assistant.ToolCalls, 3)
}

func roundCost(u domain.TokenUsage) domain.TokenUsage {
	u.CostEstimate = float64(int(u.CostEstimate*1000+0.5)) / 1000
	return u
}

func TestHandleTurnIgnoresToolsInFinalCall(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{
		toolResponse("", domain.Usage{}, call("1", "calculator", `{}`)),
		toolResponse("done", domain.Usage{}, call("2", "calculator", `{}`)),
		textResponse("never", domain.Usage{}),
	}}
	f := newAgentFixture(t, model, 4)

	res, err := f.agent.HandleTurn(context.Background(), inbound("go"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 2, model.calls())
	assert.Equal(t, 1, f.calc.executed())
}

func TestHandleTurnAtMostTwoCalls(t *testing.T) {
	for n := 0; n < 4; n++ {
		t.Run(fmt.Sprintf("tool_rounds_%d", n), func(t *testing.T) {
			var responses []*domain.ChatResponse
			for i := 0; i < n; i++ {
				responses = append(responses, toolResponse("partial", domain.Usage{}, call(fmt.Sprint(i), "calculator", `{}`)))
			}
			responses = append(responses, textResponse("final", domain.Usage{}))
			model := &scriptedModel{responses: responses}
			f := newAgentFixture(t, model, 4)

			_, err := f.agent.HandleTurn(context.Background(), inbound("x"))
			require.NoError(t, err)
			assert.LessOrEqual(t, model.calls(), 2)
		})
	}
}

func TestHandleTurnFirstCallFails(t *testing.T) {
	model := &scriptedModel{errs: []error{domain.NewBackendError("primary", 400, fmt.Errorf("bad request"))}}
	f := newAgentFixture(t, model, 4)

	_, err := f.agent.HandleTurn(context.Background(), inbound("x"))
	require.Error(t, err)
	assert.Equal(t, 400, domain.StatusCodeOf(err))
	assert.Empty(t, f.metrics.usage)
}

func TestHandleTurnSecondCallFailsFallsBack(t *testing.T) {
	model := &scriptedModel{
		responses: []*domain.ChatResponse{
			toolResponse("let me check", domain.Usage{TotalTokens: 7}, call("1", "calculator", `{}`)),
		},
		errs: []error{nil, domain.NewBackendError("secondary", 504, context.DeadlineExceeded)},
	}
	f := newAgentFixture(t, model, 4)

	res, err := f.agent.HandleTurn(context.Background(), inbound("x"))
	require.NoError(t, err)
	assert.Equal(t, "let me check", res.Content)
	assert.Equal(t, 7, res.Usage.TotalTokens)
}

func TestHandleTurnFallbackToToolOutput(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{
		toolResponse("", domain.Usage{}, call("1", "calculator", `{"e":1}`)),
		textResponse("", domain.Usage{}),
	}}
	f := newAgentFixture(t, model, 4)

	res, err := f.agent.HandleTurn(context.Background(), inbound("x"))
	require.NoError(t, err)
	assert.Equal(t, `calculator ok {"e":1}`, res.Content)
}

func TestHandleTurnEmptyAnswer(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{textResponse("  ", domain.Usage{})}}
	f := newAgentFixture(t, model, 4)

	_, err := f.agent.HandleTurn(context.Background(), inbound("x"))
	assert.ErrorIs(t, err, domain.ErrEmptyResponse)
}

func TestHandleTurnFinalPassWindow(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{
		toolResponse("", domain.Usage{}, call("1", "calculator", `{}`)),
		textResponse("ok", domain.Usage{}),
	}}
	f := newAgentFixture(t, model, 2)
	for i := 0; i < 6; i++ {
		f.store.turns = append(f.store.turns, turnAt(fmt.Sprintf("h%d", i), domain.RoleUser, fmt.Sprintf("old %d", i), t0.Add(-time.Duration(10-i)*time.Minute)))
	}

	_, err := f.agent.HandleTurn(context.Background(), inbound("now"))
	require.NoError(t, err)

	// system + 6 history + user
	assert.Len(t, model.requests[0].Messages, 8)
	// system + 2 history + user + assistant + 1 tool result
	second := model.requests[1].Messages
	require.Len(t, second, 6)
	assert.Equal(t, "old 4", second[1].Content)
	assert.Equal(t, "old 5", second[2].Content)
	assert.Equal(t, "now", second[3].Content)
}

func TestHandleTurnEstimatesMissingUsage(t *testing.T) {
	model := &scriptedModel{responses: []*domain.ChatResponse{textResponse("answer", domain.Usage{})}}
	f := newAgentFixture(t, model, 4)
	f.agent.deps.EstimateUsage = func(domain.ChatRequest, *domain.ChatResponse) domain.Usage {
		return domain.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}
	}

	res, err := f.agent.HandleTurn(context.Background(), inbound("x"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Usage.TotalTokens)
}
