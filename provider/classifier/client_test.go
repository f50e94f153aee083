package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/internal/util"
)

func testClient(srv *httptest.Server) *Client {
	return NewClient(config.ClassifierConfig{
		BaseURL:           srv.URL,
		APIKey:            "KEY_llm",
		Model:             "gpt-4o-mini",
		Temperature:       util.Ptr(0.1),
		MaxTokens:         util.Ptr(800),
		RequestsPerMinute: 6000,
	})
}

func TestCompleteSendsChatRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer KEY_llm", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.InDelta(t, 0.1, req.Temperature, 0.0001)
		assert.Equal(t, 800, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "classify these", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "[{\"index\": 0}]"}}]}`))
	}))
	defer srv.Close()

	content, err := testClient(srv).Complete(context.Background(), "you are a classifier", "classify these")
	require.NoError(t, err)
	assert.Equal(t, `[{"index": 0}]`, content)
}

func TestCompleteSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"message": "model overloaded"}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteEmptyChoicesIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestCompleteCredentialRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.True(t, errors.IsCredentialError(err))
}

func TestCompleteThrottleCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).Complete(context.Background(), "s", "u")
	require.Error(t, err)

	var rle *errors.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 12*time.Second, rle.RetryAfter)
}
