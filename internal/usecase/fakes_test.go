package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"convoagent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

// --- TurnStore ---

type fakeStore struct {
	mu         sync.Mutex
	turns      []domain.ConversationTurn
	similar    []domain.ConversationTurn
	recentErr  error
	similarErr error
	appendErr  error
}

func (s *fakeStore) Append(_ context.Context, t domain.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.turns = append(s.turns, t)
	return nil
}

func (s *fakeStore) RecentHistory(_ context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	var out []domain.ConversationTurn
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) SimilaritySearch(_ context.Context, _, _, _ string, topK int) ([]domain.ConversationTurn, error) {
	if s.similarErr != nil {
		return nil, s.similarErr
	}
	if len(s.similar) > topK {
		return s.similar[:topK], nil
	}
	return s.similar, nil
}

func (s *fakeStore) stored() []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationTurn(nil), s.turns...)
}

// --- LLMProvider ---

type scriptedModel struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
}

func (m *scriptedModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		return nil, errors.New("unexpected model call")
	}
	return m.responses[i], nil
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func textResponse(content string, usage domain.Usage) *domain.ChatResponse {
	return &domain.ChatResponse{
		Backend: "primary",
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
		Usage:   usage,
	}
}

func toolResponse(content string, usage domain.Usage, calls ...domain.ToolCall) *domain.ChatResponse {
	resp := textResponse(content, usage)
	resp.Message.ToolCalls = calls
	return resp
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// --- Tools ---

type fakeTool struct {
	name       string
	maxPerTurn int
	mu         sync.Mutex
	executions []string
	run        func(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake " + t.name }
func (t *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description()}
}
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.executions = append(t.executions, string(args))
	t.mu.Unlock()
	if t.run != nil {
		return t.run(ctx, args)
	}
	return &domain.ToolResult{Content: t.name + " ok " + string(args)}, nil
}

func (t *fakeTool) executed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.executions)
}

type limitedTool struct{ *fakeTool }

func (t limitedTool) MaxPerTurn() int { return t.maxPerTurn }

type fakeRegistry struct {
	tools    map[string]domain.Tool
	validate func(name string, args json.RawMessage) error
}

func newFakeRegistry(tools ...domain.Tool) *fakeRegistry {
	r := &fakeRegistry{tools: make(map[string]domain.Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

func (r *fakeRegistry) Get(name string) (domain.Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("fakeRegistry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (r *fakeRegistry) Validate(name string, args json.RawMessage) error {
	if r.validate != nil {
		return r.validate(name, args)
	}
	return nil
}

func (r *fakeRegistry) Schemas() []domain.ToolSchema {
	var out []domain.ToolSchema
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	return out
}

// --- MetricsSink ---

type toolMetric struct {
	name    string
	success bool
}

type fakeMetrics struct {
	mu    sync.Mutex
	tools []toolMetric
	usage []domain.TokenUsage
	err   error
}

func (m *fakeMetrics) RecordToolCall(_ context.Context, name string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append(m.tools, toolMetric{name, success})
	return m.err
}

func (m *fakeMetrics) RecordTokenUsage(_ context.Context, u domain.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, u)
	return m.err
}

type flatPrice float64

func (p flatPrice) Estimate(_ string, u domain.Usage) float64 {
	return float64(u.TotalTokens) * float64(p)
}

func turnAt(id, role, content string, at time.Time) domain.ConversationTurn {
	return domain.ConversationTurn{
		ID:             id,
		ParticipantID:  "u1",
		ConversationID: "c1",
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
}
