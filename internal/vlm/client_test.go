package vlm

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryon/internal/config"
	apperrors "tryon/internal/errors"
)

func testImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subject.png")
	require.NoError(t, imaging.Save(imaging.New(4, 4, color.NRGBA{A: 255}), path))
	return path
}

func newTestClient(baseURL string) *Client {
	return New(config.VLConfig{
		BaseURL:        baseURL,
		APIKey:         "sk-test",
		Model:          "qwen3-vl-plus",
		MaxTokens:      8192,
		ThinkingBudget: 8192,
		Timeout:        config.Duration(5 * time.Second),
	}, nil)
}

func TestChatWithImageSendsInlineImage(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"<category>ring</category>"}}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	answer, err := client.ChatWithImage(context.Background(), "describe", testImage(t))
	require.NoError(t, err)
	assert.Equal(t, "<category>ring</category>", answer)

	assert.Equal(t, "qwen3-vl-plus", captured["model"])
	assert.Equal(t, true, captured["enable_thinking"])
	assert.Equal(t, float64(8192), captured["thinking_budget"])
	assert.Equal(t, float64(8192), captured["max_tokens"])

	messages := captured["messages"].([]any)
	require.Len(t, messages, 2)

	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, "describe", system["content"])

	user := messages[1].(map[string]any)
	assert.Equal(t, "user", user["role"])
	content := user["content"].([]any)
	require.Len(t, content, 1)
	imagePart := content[0].(map[string]any)["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(imagePart["url"].(string), "data:image/png;base64,"))
}

func TestChatWithImageHTTPErrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.ChatWithImage(context.Background(), "describe", testImage(t))
	require.Error(t, err)

	var transport *apperrors.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, http.StatusTooManyRequests, transport.StatusCode)
	assert.True(t, apperrors.IsTransient(err))
}

func TestChatWithImageAPIErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad image"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.ChatWithImage(context.Background(), "describe", testImage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
}

func TestChatWithImageEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.ChatWithImage(context.Background(), "describe", testImage(t))
	assert.Error(t, err)
}

func TestChatWithImageMissingImageFile(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0")
	_, err := client.ChatWithImage(context.Background(), "describe", filepath.Join(t.TempDir(), "gone.png"))
	assert.Error(t, err)
}

func TestWithOverrides(t *testing.T) {
	base := newTestClient("http://example.invalid")

	over := base.WithOverrides("qwen3-vl-max", "sk-other")
	assert.Equal(t, "qwen3-vl-max", over.model)
	assert.Equal(t, "sk-other", over.apiKey)
	// Base is untouched.
	assert.Equal(t, "qwen3-vl-plus", base.model)
	assert.Equal(t, "sk-test", base.apiKey)

	same := base.WithOverrides("", "")
	assert.Equal(t, base.model, same.model)
	assert.Equal(t, base.apiKey, same.apiKey)
}
