package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoagent/internal/domain"
	"convoagent/internal/infra/config"
)

func TestImageGenToolExecute(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a red cat", body["prompt"])
		assert.Equal(t, "b64_json", body["response_format"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data": []map[string]any{{
				"b64_json":       base64.StdEncoding.EncodeToString(png),
				"revised_prompt": "a red cat sitting",
			}},
		})
	}))
	defer srv.Close()

	tool := NewImageGenTool(config.ImageConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, 0, newTestLogger())
	assert.Equal(t, 1, tool.MaxPerTurn())

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt": "a red cat"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, "a red cat sitting")
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, png, res.Attachments[0].Data)
	assert.True(t, res.Attachments[0].IsImage())
}

func TestImageGenToolAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "content policy", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	tool := NewImageGenTool(config.ImageConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}, 2, newTestLogger())
	assert.Equal(t, 2, tool.MaxPerTurn())
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt": "x"}`))
	assert.ErrorIs(t, err, domain.ErrToolFailure)
}
