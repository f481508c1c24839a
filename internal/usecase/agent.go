package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

// CostEstimator prices token usage for a backend.
type CostEstimator interface {
	Estimate(backend string, usage domain.Usage) float64
}

// UsageEstimator fills in token usage for responses that report none.
type UsageEstimator func(req domain.ChatRequest, resp *domain.ChatResponse) domain.Usage

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Model  domain.LLMProvider
	Memory *MemoryAssembler
	Tools  *ToolExecutor
	Logger *slog.Logger

	Metrics        domain.MetricsSink // optional
	Costs          CostEstimator      // optional, nil = zero cost
	EstimateUsage  UsageEstimator     // optional, nil = trust reported usage
	MetricsTimeout time.Duration

	SystemPrompt    string
	FinalPassWindow int
	MaxTokens       int
	Temperature     float64
	Now             func() time.Time
}

// TurnResult is the outcome of one agent turn.
type TurnResult struct {
	Content     string
	ToolsUsed   []string
	Usage       domain.TokenUsage
	Attachments []domain.Attachment
	ModelCalls  int
}

// Agent drives one turn: context assembly, at most two model calls with one
// tool round-trip in between, and persistence of the exchange.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.FinalPassWindow < 0 {
		deps.FinalPassWindow = 0
	}
	return &Agent{deps: deps}
}

// HandleTurn processes a single inbound turn. It returns an error only when
// the first model call fails or no answer could be produced.
func (a *Agent) HandleTurn(ctx context.Context, in domain.InboundTurn) (*TurnResult, error) {
	ctx = domain.ContextWithConversationID(ctx, in.ConversationID)
	ctx, span := tracer.StartSpan(ctx, "agent.handle_turn",
		trace.WithAttributes(tracer.StringAttr("conversation_id", in.ConversationID)),
	)
	defer span.End()

	logger := a.deps.Logger.With("conversation_id", in.ConversationID)

	history := a.deps.Memory.Assemble(ctx, in.ParticipantID, in.ConversationID, in.Text)
	userTurn := domain.NewTurn(in.ParticipantID, in.ConversationID, domain.RoleUser, in.Text, a.deps.Now())
	a.deps.Memory.Remember(ctx, userTurn)

	userMsg := userTurn.AsMessage()
	userMsg.Attachments = in.Attachments

	result := &TurnResult{}
	var usage domain.TokenUsage

	first := domain.ChatRequest{
		Messages:    a.buildMessages(history, userMsg),
		Tools:       a.deps.Tools.Schemas(),
		MaxTokens:   a.deps.MaxTokens,
		Temperature: a.deps.Temperature,
	}
	resp, err := a.deps.Model.Chat(ctx, first)
	result.ModelCalls++
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Agent.HandleTurn", err)
	}
	a.account(&usage, first, resp)

	final := resp.Message.Content
	if calls := resp.Message.ToolCalls; len(calls) > 0 {
		results := a.deps.Tools.ExecuteAll(ctx, calls)
		result.ToolsUsed = toolNames(calls)
		for _, r := range results {
			if r.Success {
				result.Attachments = append(result.Attachments, r.Attachments...)
			}
		}

		assistant := resp.Message
		assistant.Role = domain.RoleAssistant
		// Tool schemas are resent because some backends reject tool blocks
		// without them. Any tools this call asks for are not executed.
		second := domain.ChatRequest{
			Messages:    a.finalPassMessages(history, userMsg, assistant, results),
			Tools:       first.Tools,
			MaxTokens:   a.deps.MaxTokens,
			Temperature: a.deps.Temperature,
		}
		resp2, err := a.deps.Model.Chat(ctx, second)
		result.ModelCalls++
		switch {
		case err != nil:
			logger.Warn("final answer call failed, using first response", "error", err)
			tracer.RecordError(span, err)
			final = fallbackAnswer(resp.Message.Content, results)
		default:
			a.account(&usage, second, resp2)
			if len(resp2.Message.ToolCalls) > 0 {
				logger.Debug("ignoring tool calls requested by final answer call",
					"tool_calls", len(resp2.Message.ToolCalls))
			}
			final = resp2.Message.Content
			if strings.TrimSpace(final) == "" {
				final = fallbackAnswer(resp.Message.Content, results)
			}
		}
	}

	if strings.TrimSpace(final) == "" && len(result.Attachments) == 0 {
		tracer.RecordError(span, domain.ErrEmptyResponse)
		return nil, domain.NewDomainError("Agent.HandleTurn", domain.ErrEmptyResponse, in.ConversationID)
	}

	result.Content = final
	result.Usage = usage
	a.deps.Memory.Remember(ctx, domain.NewTurn(in.ParticipantID, in.ConversationID, domain.RoleAssistant, final, a.deps.Now()))
	a.recordUsage(ctx, logger, usage)

	span.SetAttributes(
		tracer.IntAttr("agent.model_calls", result.ModelCalls),
		tracer.IntAttr("agent.tool_calls", len(result.ToolsUsed)),
		tracer.IntAttr("llm.total_tokens", usage.TotalTokens),
	)
	tracer.SetOK(span)
	logger.Info("turn completed",
		"model_calls", result.ModelCalls,
		"tools", result.ToolsUsed,
		"total_tokens", usage.TotalTokens,
	)
	return result, nil
}

func (a *Agent) systemMessage() domain.Message {
	return domain.Message{Role: domain.RoleSystem, Content: a.deps.SystemPrompt, Timestamp: a.deps.Now()}
}

func (a *Agent) buildMessages(history []domain.ConversationTurn, user domain.Message) []domain.Message {
	msgs := make([]domain.Message, 0, len(history)+2)
	if a.deps.SystemPrompt != "" {
		msgs = append(msgs, a.systemMessage())
	}
	for _, t := range history {
		msgs = append(msgs, t.AsMessage())
	}
	return append(msgs, user)
}

// finalPassMessages keeps only the last FinalPassWindow history turns,
// followed by the user message, the first response and every tool result.
func (a *Agent) finalPassMessages(history []domain.ConversationTurn, user, assistant domain.Message, results []domain.ToolResult) []domain.Message {
	if len(history) > a.deps.FinalPassWindow {
		history = history[len(history)-a.deps.FinalPassWindow:]
	}
	msgs := a.buildMessages(history, user)
	msgs = append(msgs, assistant)
	return append(msgs, ToolMessages(results, a.deps.Now())...)
}

func (a *Agent) account(total *domain.TokenUsage, req domain.ChatRequest, resp *domain.ChatResponse) {
	u := resp.Usage
	if a.deps.EstimateUsage != nil {
		u = a.deps.EstimateUsage(req, resp)
	}
	total.Add(u)
	total.Backend = resp.Backend
	if a.deps.Costs != nil {
		total.CostEstimate += a.deps.Costs.Estimate(resp.Backend, u)
	}
}

func (a *Agent) recordUsage(ctx context.Context, logger *slog.Logger, usage domain.TokenUsage) {
	if a.deps.Metrics == nil {
		return
	}
	mctx := context.WithoutCancel(ctx)
	if a.deps.MetricsTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(mctx, a.deps.MetricsTimeout)
		defer cancel()
	}
	if err := a.deps.Metrics.RecordTokenUsage(mctx, usage); err != nil {
		logger.Warn("record token usage failed", "error", err)
	}
}

// fallbackAnswer is used when the final answer call yields nothing: the
// first response's text, or else the successful tool outputs.
func fallbackAnswer(firstContent string, results []domain.ToolResult) string {
	if strings.TrimSpace(firstContent) != "" {
		return firstContent
	}
	var parts []string
	for _, r := range results {
		if r.Success && r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func toolNames(calls []domain.ToolCall) []string {
	seen := make(map[string]bool, len(calls))
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}
