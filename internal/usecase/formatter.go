package usecase

import (
	"fmt"
	"strings"
	"unicode"

	"convoagent/internal/domain"
)

// cutWindowRatio is the trailing share of the segment window searched for a
// natural cut point.
const cutWindowRatio = 0.3

// ResponseMeta is the summary shown on the last segment of a reply.
type ResponseMeta struct {
	ToolsUsed []string
	Usage     domain.TokenUsage
}

// String renders the metadata line, or "" when there is nothing to show.
func (m ResponseMeta) String() string {
	var parts []string
	if len(m.ToolsUsed) > 0 {
		parts = append(parts, "Tools: "+strings.Join(m.ToolsUsed, ", "))
	}
	if m.Usage.TotalTokens > 0 {
		parts = append(parts, fmt.Sprintf("Tokens: %d in / %d out / %d total",
			m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.TotalTokens))
	}
	return strings.Join(parts, " | ")
}

// Formatter splits replies into bounded segments for delivery.
type Formatter struct {
	maxSize  int
	maxCount int
	title    string
}

// NewFormatter creates a formatter. Sizes are counted in characters (runes).
func NewFormatter(maxSize, maxCount int, title string) *Formatter {
	if maxSize <= 0 {
		maxSize = 4096
	}
	if maxCount <= 0 {
		maxCount = 10
	}
	return &Formatter{maxSize: maxSize, maxCount: maxCount, title: title}
}

// Format builds the delivery-ready response. The title goes on the first
// segment. When there is more than one segment, each gets a "Page i/n"
// footer and the last one carries the metadata.
func (f *Formatter) Format(text string, attachments []domain.Attachment, meta *ResponseMeta) *domain.FormattedResponse {
	chunks, truncated := Split(text, f.maxSize, f.maxCount)
	total := len(chunks)
	segments := make([]domain.Segment, total)
	for i, c := range chunks {
		seg := domain.Segment{Index: i, Total: total, Text: c}
		if i == 0 {
			seg.Title = f.title
		}
		if total > 1 {
			seg.Footer = fmt.Sprintf("Page %d/%d", i+1, total)
		}
		segments[i] = seg
	}
	if meta != nil && total > 1 {
		segments[total-1].Metadata = meta.String()
	}
	return &domain.FormattedResponse{
		Segments:    segments,
		Attachments: attachments,
		Truncated:   truncated,
	}
}

// FormatError builds a single-segment error reply.
func (f *Formatter) FormatError(text string) *domain.FormattedResponse {
	resp := f.Format(text, nil, nil)
	resp.IsError = true
	return resp
}

// Split cuts text into at most maxCount chunks of at most maxSize runes.
// Each cut falls on the last line break within the trailing 30% of the
// window, else the last sentence end, else the last whitespace, else at
// maxSize. Concatenating the chunks yields the input unless truncated is
// true, in which case the content past the last chunk was dropped. Input of
// at most maxSize*maxCount runes is never truncated: a natural cut that
// would leave more than the remaining slots can hold becomes a hard cut.
func Split(text string, maxSize, maxCount int) (chunks []string, truncated bool) {
	runes := []rune(text)
	if len(runes) <= maxSize {
		return []string{text}, false
	}

	for len(runes) > 0 && len(chunks) < maxCount {
		if len(runes) <= maxSize {
			chunks = append(chunks, string(runes))
			runes = nil
			break
		}
		cut := cutPoint(runes, maxSize)
		capacity := maxSize * (maxCount - len(chunks) - 1)
		if len(runes) <= maxSize*(maxCount-len(chunks)) && len(runes)-cut > capacity {
			cut = maxSize
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks, len(runes) > 0
}

// cutPoint returns the exclusive end index of the next chunk of at most
// size runes taken from the front of runes.
func cutPoint(runes []rune, size int) int {
	window := runes[:size]
	start := size - int(float64(size)*cutWindowRatio)
	if start < 1 {
		start = 1
	}

	for i := size - 1; i >= start; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := size - 1; i >= start; i-- {
		if isSentenceEnd(window[i]) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			return i + 1
		}
	}
	for i := size - 1; i >= start; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return size
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
