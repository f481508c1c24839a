package llm

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

var (
	tokenEncoder     *tiktoken.Tiktoken
	tokenEncoderOnce sync.Once
)

func encoder() *tiktoken.Tiktoken {
	tokenEncoderOnce.Do(func() {
		tk, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("token estimation falls back to character heuristic", "error", err)
			return
		}
		tokenEncoder = tk
	})
	return tokenEncoder
}

// CountTokens estimates the token count of text with the cl100k_base BPE,
// or roughly four characters per token when the encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if tk := encoder(); tk != nil {
		return len(tk.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateUsage fills in usage for backends that report none.
func EstimateUsage(req domain.ChatRequest, resp *domain.ChatResponse) domain.Usage {
	if resp.Usage.TotalTokens > 0 {
		return resp.Usage
	}
	var in int
	for _, m := range req.Messages {
		// Role and separator overhead per message.
		in += CountTokens(m.Content) + 4
	}
	out := CountTokens(resp.Message.Content)
	for _, tc := range resp.Message.ToolCalls {
		out += CountTokens(tc.Name) + CountTokens(string(tc.Arguments))
	}
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// PriceTable maps backend names to their per-1K token prices.
type PriceTable map[string]config.PricingConfig

// NewPriceTable builds a table from the configured backends.
func NewPriceTable(providers ...config.ProviderConfig) PriceTable {
	t := make(PriceTable, len(providers))
	for _, p := range providers {
		t[p.Name] = p.Pricing
	}
	return t
}

// Estimate returns the USD cost of usage on backend. Unknown backends cost 0.
func (t PriceTable) Estimate(backend string, usage domain.Usage) float64 {
	p, ok := t[backend]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*p.InputPer1K + float64(usage.CompletionTokens)/1000*p.OutputPer1K
}
