package embedding

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

// OpenAIEmbedder implements domain.EmbeddingProvider on the OpenAI
// embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *slog.Logger
}

// NewOpenAIEmbedder creates an embedder. An empty model selects
// text-embedding-3-small.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) *OpenAIEmbedder {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := openai.EmbeddingModel(cfg.Model)
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger,
	}
}

// Embed implements domain.EmbeddingProvider.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, domain.NewDomainError("OpenAIEmbedder.Embed", domain.ErrEmbeddingFailed, err.Error())
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewDomainError("OpenAIEmbedder.Embed", domain.ErrEmbeddingFailed,
			fmt.Sprintf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, domain.NewDomainError("OpenAIEmbedder.Embed", domain.ErrEmbeddingFailed,
				fmt.Sprintf("embedding index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	e.logger.Debug("embeddings created", "model", e.model, "count", len(out), "tokens", resp.Usage.TotalTokens)
	return out, nil
}

// Name implements domain.EmbeddingProvider.
func (e *OpenAIEmbedder) Name() string { return "openai" }

var _ domain.EmbeddingProvider = (*OpenAIEmbedder)(nil)
