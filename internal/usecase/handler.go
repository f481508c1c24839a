package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"convoagent/internal/domain"
)

// TurnHandler adapts transport input to the agent and formatter. Turn-level
// failures become the apology reply; the original error is logged.
type TurnHandler struct {
	agent     *Agent
	formatter *Formatter
	apology   string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewTurnHandler creates a handler. A zero timeout leaves turns unbounded.
func NewTurnHandler(agent *Agent, formatter *Formatter, apology string, timeout time.Duration, logger *slog.Logger) *TurnHandler {
	return &TurnHandler{
		agent:     agent,
		formatter: formatter,
		apology:   apology,
		timeout:   timeout,
		logger:    logger,
	}
}

// Handle implements domain.TurnHandlerFunc. It never returns an error.
func (h *TurnHandler) Handle(ctx context.Context, turn domain.InboundTurn) (*domain.FormattedResponse, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.agent.HandleTurn(ctx, turn)
	if err != nil {
		var be *domain.BackendError
		h.logger.Error("turn failed",
			"conversation_id", turn.ConversationID,
			"participant_id", turn.ParticipantID,
			"backend_error", errors.As(err, &be),
			"backend_unavailable", errors.Is(err, domain.ErrBackendUnavailable),
			"status", domain.StatusCodeOf(err),
			"error", err,
		)
		return h.formatter.FormatError(h.apology), nil
	}

	return h.formatter.Format(res.Content, res.Attachments, &ResponseMeta{
		ToolsUsed: res.ToolsUsed,
		Usage:     res.Usage,
	}), nil
}
