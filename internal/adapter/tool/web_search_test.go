package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
)

func newSearXNGServer(t *testing.T, hits *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"title": "Go", "url": "https://go.dev", "content": "The Go language"},
			{"title": "Tour", "url": "https://go.dev/tour", "content": "A tour of Go"},
			{"title": "Blog", "url": "https://go.dev/blog", "content": ""}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearXNGSearch(t *testing.T) {
	var hits atomic.Int32
	srv := newSearXNGServer(t, &hits, http.StatusOK)

	s := NewSearXNG(srv.URL+"/", time.Second, newTestLogger())
	got, err := s.Search(context.Background(), "golang", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, SearchHit{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"}, got[0])
}

func TestSearXNGSearchHTTPError(t *testing.T) {
	var hits atomic.Int32
	srv := newSearXNGServer(t, &hits, http.StatusTooManyRequests)

	_, err := NewSearXNG(srv.URL, time.Second, newTestLogger()).Search(context.Background(), "x", 3)
	assert.ErrorContains(t, err, "HTTP 429")
}

func TestWebSearchToolCaches(t *testing.T) {
	var hits atomic.Int32
	srv := newSearXNGServer(t, &hits, http.StatusOK)
	tool := NewWebSearchTool(NewSearXNG(srv.URL, time.Second, newTestLogger()), 3, newTestLogger())

	args := json.RawMessage(`{"query": "Golang"}`)
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, "1. Go\nhttps://go.dev")
	assert.Contains(t, res.Content, "3. Blog")

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"query": "golang"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	now := time.Now()
	tool.now = func() time.Time { return now.Add(searchCacheTTL + time.Minute) }
	_, err = tool.Execute(context.Background(), args)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestWebSearchToolFailure(t *testing.T) {
	var hits atomic.Int32
	srv := newSearXNGServer(t, &hits, http.StatusInternalServerError)
	tool := NewWebSearchTool(NewSearXNG(srv.URL, time.Second, newTestLogger()), 3, newTestLogger())

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"query": "x"}`))
	assert.ErrorIs(t, err, domain.ErrToolFailure)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"query": "  "}`))
	assert.ErrorIs(t, err, domain.ErrToolFailure)
}

func TestFormatHitsEmpty(t *testing.T) {
	assert.Equal(t, `No results for "zzz".`, formatHits("zzz", nil))
}
