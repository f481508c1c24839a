package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
	"convoagent/internal/infra/tracer"
)

// ImageGenTool renders an image from a text prompt. It may run at most
// once per turn unless configured otherwise.
type ImageGenTool struct {
	client     *openai.Client
	model      string
	size       string
	maxPerTurn int
	logger     *slog.Logger
}

// NewImageGenTool creates an image generation tool on the OpenAI images API.
func NewImageGenTool(cfg config.ImageConfig, maxPerTurn int, logger *slog.Logger) *ImageGenTool {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if maxPerTurn <= 0 {
		maxPerTurn = 1
	}
	model := cfg.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	size := cfg.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	return &ImageGenTool{
		client:     openai.NewClientWithConfig(oc),
		model:      model,
		size:       size,
		maxPerTurn: maxPerTurn,
		logger:     logger,
	}
}

func (t *ImageGenTool) Name() string        { return "generate_image" }
func (t *ImageGenTool) Description() string { return "Generate an image from a text description" }

// MaxPerTurn implements domain.TurnLimited.
func (t *ImageGenTool) MaxPerTurn() int { return t.maxPerTurn }

func (t *ImageGenTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "minLength": 1, "maxLength": 4000, "description": "What the image should show"}
			},
			"required": ["prompt"]
		}`),
	}
}

type imageGenParams struct {
	Prompt string `json:"prompt"`
}

func (t *ImageGenTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, span trace.Span, p imageGenParams) (any, error) {
			prompt := strings.TrimSpace(p.Prompt)
			if prompt == "" {
				return nil, errors.New("prompt must not be empty")
			}
			span.SetAttributes(tracer.StringAttr("tool.model", t.model))

			resp, err := t.client.CreateImage(ctx, openai.ImageRequest{
				Prompt:         prompt,
				Model:          t.model,
				N:              1,
				Size:           t.size,
				ResponseFormat: openai.CreateImageResponseFormatB64JSON,
			})
			if err != nil {
				return nil, fmt.Errorf("create image: %w", err)
			}
			if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
				return nil, errors.New("image API returned no data")
			}
			data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
			if err != nil {
				return nil, fmt.Errorf("decode image: %w", err)
			}

			content := "Image generated."
			if rp := resp.Data[0].RevisedPrompt; rp != "" {
				content = "Image generated for prompt: " + rp
			}
			return &domain.ToolResult{
				Content: content,
				Attachments: []domain.Attachment{{
					Name:     "image.png",
					MIMEType: "image/png",
					Data:     data,
				}},
			}, nil
		},
	)
}

var _ domain.TurnLimited = (*ImageGenTool)(nil)
