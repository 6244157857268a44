// Package vlm talks to an OpenAI-compatible vision-language chat endpoint.
package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tryon/internal/config"
	apperrors "tryon/internal/errors"
	"tryon/internal/httpclient"
	"tryon/internal/imageutil"
	"tryon/internal/logging"
)

// Client calls the chat completions API with an inline image. One Client is
// shared across runs; per-run model or key overrides go through Chat's
// options.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	maxTokens      int
	thinkingBudget int
	httpClient     *http.Client
	logger         logging.Logger
}

// New builds a Client from configuration.
func New(cfg config.VLConfig, logger logging.Logger) *Client {
	logger = logging.OrNop(logger)
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		thinkingBudget: cfg.ThinkingBudget,
		httpClient:     httpclient.New(cfg.Timeout.Std(), logger),
		logger:         logger,
	}
}

// WithOverrides returns a copy of the client using the given model and API
// key where non-empty. The underlying HTTP client is shared.
func (c *Client) WithOverrides(model, apiKey string) *Client {
	copied := *c
	if model != "" {
		copied.model = model
	}
	if apiKey != "" {
		copied.apiKey = apiKey
	}
	return &copied
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	EnableThinking bool          `json:"enable_thinking"`
	ThinkingBudget int           `json:"thinking_budget,omitempty"`
	Stream         bool          `json:"stream"`
}

// chatMessage holds either a plain string (system instruction) or a list
// of contentPart (user message with the inline image).
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatWithImage sends prompt together with the image at imagePath, embedded
// as a base64 data URI, and returns the model's answer text.
func (c *Client) ChatWithImage(ctx context.Context, prompt, imagePath string) (string, error) {
	dataURI, err := imageutil.EncodeDataURI(imagePath)
	if err != nil {
		return "", err
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			}},
		},
		MaxTokens: c.maxTokens,
	}
	if c.thinkingBudget > 0 {
		req.EnableThinking = true
		req.ThinkingBudget = c.thinkingBudget
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("vision chat: POST %s model=%s image=%s", endpoint, c.model, imagePath)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &apperrors.TransportError{Service: "vl-chat", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := httpclient.ReadAPIResponse(resp.Body)
	if err != nil {
		return "", &apperrors.TransportError{Service: "vl-chat", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apperrors.TransportError{
			Service:    "vl-chat",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", &apperrors.TransportError{
			Service: "vl-chat",
			Err:     fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message),
		}
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
