package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Role constants for conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationTurn is one immutable entry of a conversation log.
type ConversationTurn struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participant_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewTurn creates a turn with a fresh ULID and the given creation time.
func NewTurn(participantID, conversationID, role, content string, at time.Time) ConversationTurn {
	return ConversationTurn{
		ID:             NewTurnID(),
		ParticipantID:  participantID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at.UTC(),
	}
}

// NewTurnID returns a new lexicographically sortable turn identifier.
func NewTurnID() string {
	return ulid.Make().String()
}

// AsMessage converts the turn into a model input message.
func (t ConversationTurn) AsMessage() Message {
	return Message{
		Role:      t.Role,
		Content:   t.Content,
		Timestamp: t.CreatedAt,
	}
}

// TokenUsage is the token accounting for one turn, summed across model calls.
type TokenUsage struct {
	Backend      string  `json:"backend,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
}

// Add accumulates a single call's usage.
func (u *TokenUsage) Add(usage Usage) {
	u.InputTokens += usage.PromptTokens
	u.OutputTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
}
