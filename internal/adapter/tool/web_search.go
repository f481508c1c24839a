package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

const (
	maxSearchResults = 10
	searchCacheTTL   = 10 * time.Minute
	searchCacheMax   = 128
)

type cachedSearch struct {
	content string
	expires time.Time
}

// WebSearchTool answers queries through a Searcher, caching recent results.
type WebSearchTool struct {
	searcher Searcher
	results  int
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSearch
}

// NewWebSearchTool creates a web search tool returning up to results hits.
func NewWebSearchTool(searcher Searcher, results int, logger *slog.Logger) *WebSearchTool {
	if results <= 0 || results > maxSearchResults {
		results = 5
	}
	return &WebSearchTool{
		searcher: searcher,
		results:  results,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[string]cachedSearch),
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return the top results" }

func (t *WebSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "The search query"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, span trace.Span, p webSearchParams) (any, error) {
			query := strings.TrimSpace(p.Query)
			if query == "" {
				return nil, errors.New("query must not be empty")
			}
			span.SetAttributes(tracer.StringAttr("tool.query", query))

			key := strings.ToLower(query)
			if content, ok := t.lookup(key); ok {
				span.SetAttributes(tracer.BoolAttr("tool.cache_hit", true))
				return content, nil
			}

			hits, err := t.searcher.Search(ctx, query, t.results)
			if err != nil {
				return nil, err
			}
			content := formatHits(query, hits)
			t.store(key, content)
			return content, nil
		},
	)
}

func formatHits(query string, hits []SearchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No results for %q.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %q:\n", query)
	for i, h := range hits {
		fmt.Fprintf(&sb, "\n%d. %s\n%s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			sb.WriteString(h.Snippet)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func (t *WebSearchTool) lookup(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if t.now().After(c.expires) {
		delete(t.cache, key)
		return "", false
	}
	return c.content, true
}

func (t *WebSearchTool) store(key, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if len(t.cache) >= searchCacheMax {
		for k, c := range t.cache {
			if now.After(c.expires) {
				delete(t.cache, k)
			}
		}
	}
	if len(t.cache) >= searchCacheMax {
		return
	}
	t.cache[key] = cachedSearch{content: content, expires: now.Add(searchCacheTTL)}
}
