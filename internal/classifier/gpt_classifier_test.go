package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGPTRecognizer(t *testing.T) {
	srv := completionServer(t, http.StatusOK,
		`{"entities":[{"text":"Uniswap","label":"org"},{"text":"Vitalik","label":"PERSON"},{"text":" Pepe ","label":"PRODUCT"}]}`)

	r := NewGPTRecognizer(GPTConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", MaxEntities: 10}, nil, zap.NewNop())
	entities, err := r.Recognize(context.Background(), "Uniswap lists Pepe, says Vitalik")
	require.NoError(t, err)
	assert.Equal(t, []Entity{
		{Text: "Uniswap", Label: LabelOrg},
		{Text: "Pepe", Label: LabelProduct},
	}, entities)
}

func TestGPTRecognizer_BadJSON(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "not json")

	r := NewGPTRecognizer(GPTConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil, zap.NewNop())
	_, err := r.Recognize(context.Background(), "anything")
	require.Error(t, err)
}

func TestGPTRecognizer_FallbackOnError(t *testing.T) {
	srv := completionServer(t, http.StatusBadRequest, "")

	r := NewGPTRecognizer(GPTConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, NewRulesRecognizer(0), zap.NewNop())
	entities, err := r.Recognize(context.Background(), "#solana")
	require.NoError(t, err)
	assert.Equal(t, []Entity{{Text: "solana", Label: LabelProduct}}, entities)
}
