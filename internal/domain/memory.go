package domain

import "context"

// TurnStore is the long-term conversation log with similarity retrieval.
type TurnStore interface {
	// Append adds a turn to its conversation log, evicting the oldest turns
	// once the retained maximum is exceeded.
	Append(ctx context.Context, turn ConversationTurn) error
	// RecentHistory returns up to limit most recent turns in chronological order.
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]ConversationTurn, error)
	// SimilaritySearch returns up to topK turns ranked by relevance to query.
	SimilaritySearch(ctx context.Context, conversationID, participantID, query string, topK int) ([]ConversationTurn, error)
}

// EmbeddingProvider is the interface for text embedding backends.
type EmbeddingProvider interface {
	// Embed generates embeddings for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the provider's identifier.
	Name() string
}
