package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestCompleteReturnsText(t *testing.T) {
	t.Parallel()

	srv := messageServer(t, http.StatusOK, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "test-model",
		"content": [
			{"type": "text", "text": "{\"products\": "},
			{"type": "text", "text": "[]}"}
		],
		"stop_reason": "end_turn",
		"stop_sequence": null,
		"usage": {"input_tokens": 12, "output_tokens": 5}
	}`)

	client, err := New(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), "extract the offers")
	require.NoError(t, err)
	require.Equal(t, `{"products": []}`, out)
}

func TestCompleteSurfacesAPIErrors(t *testing.T) {
	t.Parallel()

	srv := messageServer(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)

	client, err := New(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "extract")
	require.Error(t, err)
}

func TestCompleteRejectsEmptyReply(t *testing.T) {
	t.Parallel()

	srv := messageServer(t, http.StatusOK, `{
		"id": "msg_2",
		"type": "message",
		"role": "assistant",
		"model": "test-model",
		"content": [],
		"stop_reason": "max_tokens",
		"stop_sequence": null,
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`)

	client, err := New(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "extract")
	require.Error(t, err)
}
