package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

// MemoryAssembler builds the bounded conversation context for one turn from
// recent history and similarity-retrieved turns.
type MemoryAssembler struct {
	store        domain.TurnStore
	recentWindow int
	topK         int
	timeout      time.Duration
	logger       *slog.Logger
}

// NewMemoryAssembler creates an assembler over store. A nil store yields an
// empty context on every turn.
func NewMemoryAssembler(store domain.TurnStore, recentWindow, topK int, timeout time.Duration, logger *slog.Logger) *MemoryAssembler {
	return &MemoryAssembler{
		store:        store,
		recentWindow: max(recentWindow, 0),
		topK:         max(topK, 0),
		timeout:      timeout,
		logger:       logger,
	}
}

// Assemble returns the chronologically ordered, de-duplicated context for
// the current turn. Store failures degrade the context and are never
// returned to the caller.
func (m *MemoryAssembler) Assemble(ctx context.Context, participantID, conversationID, text string) []domain.ConversationTurn {
	if m.store == nil {
		return nil
	}
	ctx, span := tracer.StartSpan(ctx, "memory.assemble")
	defer span.End()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var recent, similar []domain.ConversationTurn
	g, gctx := errgroup.WithContext(ctx)
	if m.recentWindow > 0 {
		g.Go(func() error {
			turns, err := m.store.RecentHistory(gctx, conversationID, m.recentWindow)
			if err != nil {
				m.degraded(span, conversationID, "recent history", err)
				return nil
			}
			recent = turns
			return nil
		})
	}
	if m.topK > 0 && text != "" {
		g.Go(func() error {
			// Over-fetch so overlap with the recent window cannot starve top-K.
			turns, err := m.store.SimilaritySearch(gctx, conversationID, participantID, text, m.topK+m.recentWindow)
			if err != nil {
				m.degraded(span, conversationID, "similarity search", err)
				return nil
			}
			similar = turns
			return nil
		})
	}
	_ = g.Wait()

	merged := MergeContext(recent, similar, m.topK)
	span.SetAttributes(
		tracer.IntAttr("memory.recent", len(recent)),
		tracer.IntAttr("memory.merged", len(merged)),
	)
	return merged
}

// degraded records a soft memory failure; the turn continues without that
// source.
func (m *MemoryAssembler) degraded(span trace.Span, conversationID, source string, err error) {
	err = domain.NewDomainError("MemoryAssembler.Assemble", domain.ErrMemoryUnavailable, fmt.Sprintf("%s: %v", source, err))
	tracer.RecordError(span, err)
	m.logger.Warn("memory source skipped", "conversation_id", conversationID, "source", source, "error", err)
}

// MergeContext unions recent with at most topK turns of similar that are not
// already in recent, de-duplicated by ID and sorted by creation time. Ties
// are broken by ID so the result is deterministic.
func MergeContext(recent, similar []domain.ConversationTurn, topK int) []domain.ConversationTurn {
	seen := make(map[string]struct{}, len(recent)+topK)
	out := make([]domain.ConversationTurn, 0, len(recent)+topK)
	for _, t := range recent {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	added := 0
	for _, t := range similar {
		if added >= topK {
			break
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
		added++
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remember appends turn to the long-term log. Failures are logged only.
func (m *MemoryAssembler) Remember(ctx context.Context, turn domain.ConversationTurn) {
	if m.store == nil {
		return
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.store.Append(ctx, turn); err != nil {
		m.logger.Warn("append turn failed",
			"conversation_id", turn.ConversationID, "role", turn.Role, "error", err)
	}
}
