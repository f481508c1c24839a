package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler(got *domain.InboundTurn) domain.TurnHandlerFunc {
	return func(_ context.Context, turn domain.InboundTurn) (*domain.FormattedResponse, error) {
		*got = turn
		return &domain.FormattedResponse{
			Segments:    []domain.Segment{{Index: 0, Total: 1, Text: "echo: " + turn.Text, Metadata: "Tools: none"}},
			Attachments: []domain.Attachment{{Name: "image.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}}},
		}, nil
	}
}

func serveTurn(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPChannelTurn(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger())
	var got domain.InboundTurn
	ch.handler = echoHandler(&got)

	rec := serveTurn(t, ch.Router(context.Background()), `{"participant_id":"u1","conversation_id":"c1","text":" hi "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, "u1", got.ParticipantID)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "hi", got.Text)
	assert.NotEmpty(t, got.MessageID)

	var resp turnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Segments, 1)
	assert.Equal(t, "echo: hi", resp.Segments[0].Text)
	assert.Equal(t, "Tools: none", resp.Segments[0].Metadata)
	require.Len(t, resp.Attachments, 1)
	assert.Equal(t, []byte{0x89, 0x50}, resp.Attachments[0].Data)
}

func TestHTTPChannelValidation(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger())
	var got domain.InboundTurn
	ch.handler = echoHandler(&got)
	router := ch.Router(context.Background())

	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"bad json", `{`, http.StatusBadRequest, "invalid JSON"},
		{"no participant", `{"conversation_id":"c","text":"x"}`, http.StatusBadRequest, "participant_id is required"},
		{"no conversation", `{"participant_id":"u","text":"x"}`, http.StatusBadRequest, "conversation_id is required"},
		{"blank text", `{"participant_id":"u","conversation_id":"c","text":"   "}`, http.StatusBadRequest, "text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveTurn(t, router, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.msg)
		})
	}
}

func TestHTTPChannelBodyTooLarge(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger())
	var got domain.InboundTurn
	ch.handler = echoHandler(&got)

	body := `{"participant_id":"u","conversation_id":"c","text":"` + strings.Repeat("a", maxRequestBody) + `"}`
	rec := serveTurn(t, ch.Router(context.Background()), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHTTPChannelHandlerError(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger())
	ch.handler = func(context.Context, domain.InboundTurn) (*domain.FormattedResponse, error) {
		return nil, errors.New("secret backend detail")
	}

	rec := serveTurn(t, ch.Router(context.Background()), `{"participant_id":"u","conversation_id":"c","text":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestHTTPChannelNotStarted(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger())
	rec := serveTurn(t, ch.Router(context.Background()), `{"participant_id":"u","conversation_id":"c","text":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPChannelRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := NewHTTPChannel(config.HTTPChannelConfig{RequestsPerMin: 1, Burst: 1}, newTestLogger())
	var got domain.InboundTurn
	ch.handler = echoHandler(&got)
	router := ch.Router(ctx)

	body := `{"participant_id":"u","conversation_id":"c","text":"x"}`
	assert.Equal(t, http.StatusOK, serveTurn(t, router, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, serveTurn(t, router, body).Code)
}

func TestHTTPChannelHealth(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{}, newTestLogger(), WithHealth(func() map[string]string {
		return map[string]string{"gateway": "closed"}
	}))

	rec := httptest.NewRecorder()
	ch.Router(context.Background()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","components":{"gateway":"closed"}}`, rec.Body.String())
}

func TestHTTPChannelStartStop(t *testing.T) {
	ch := NewHTTPChannel(config.HTTPChannelConfig{Addr: "127.0.0.1:0"}, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got domain.InboundTurn
	require.NoError(t, ch.Start(ctx, echoHandler(&got)))
	defer ch.Stop(ctx)

	resp, err := http.Post(fmt.Sprintf("http://%s/v1/turns", ch.Addr()), "application/json",
		strings.NewReader(`{"participant_id":"u","conversation_id":"c","text":"live"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "live", got.Text)

	require.NoError(t, ch.Stop(ctx))
}
