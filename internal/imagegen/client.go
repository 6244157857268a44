// Package imagegen drives the remote asynchronous image generation service:
// submit a job, poll it to a terminal state, download the artifacts.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tryon/internal/config"
	apperrors "tryon/internal/errors"
	"tryon/internal/httpclient"
	"tryon/internal/imageutil"
	"tryon/internal/logging"
)

// Job status values reported by the service.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Client is the generation service client. Submission is asynchronous: the
// service hands back a job id which is then polled until terminal.
type Client struct {
	submitURL    string
	taskURL      string
	apiKey       string
	model        string
	pollInterval time.Duration
	maxWait      time.Duration

	httpClient     *http.Client
	downloadClient *http.Client
	logger         logging.Logger
}

// New builds a Client from configuration.
func New(cfg config.GenConfig, logger logging.Logger) *Client {
	logger = logging.OrNop(logger)
	return &Client{
		submitURL:      cfg.SubmitURL,
		taskURL:        strings.TrimRight(cfg.TaskURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		pollInterval:   cfg.PollInterval.Std(),
		maxWait:        cfg.MaxWait.Std(),
		httpClient:     httpclient.New(cfg.Timeout.Std(), logger),
		downloadClient: httpclient.New(cfg.DownloadTimeout.Std(), logger),
		logger:         logger,
	}
}

// WithOverrides returns a copy of the client using the given model and API
// key where non-empty.
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

// SubmitRequest describes one generation job. Images are ordered; each entry
// is a remote URL, a ready data URI, or a local file path which gets
// base64-embedded (downscaled first when it exceeds the service's input
// bound).
type SubmitRequest struct {
	Prompt         string
	Images         []string
	Size           OutputSize
	NegativePrompt string
	PromptExtend   bool
	Watermark      bool
	N              int
}

type submitPayload struct {
	Model string `json:"model"`
	Input struct {
		Messages []genMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		NegativePrompt string `json:"negative_prompt"`
		PromptExtend   bool   `json:"prompt_extend"`
		Watermark      bool   `json:"watermark"`
		N              int    `json:"n"`
		Size           string `json:"size"`
	} `json:"parameters"`
}

type genMessage struct {
	Role    string       `json:"role"`
	Content []genContent `json:"content"`
}

type genContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type submitResponse struct {
	Output struct {
		TaskID string `json:"task_id"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit sends the job to the service and returns the job id. The service
// accepting the call but returning no id is a hard error: there would be no
// handle to track the job with.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	payload := submitPayload{Model: c.model}

	content := []genContent{{Text: req.Prompt}}
	for _, img := range req.Images {
		encoded, err := encodeImageRef(img)
		if err != nil {
			return "", err
		}
		content = append(content, genContent{Image: encoded})
	}
	payload.Input.Messages = []genMessage{{Role: "user", Content: content}}

	payload.Parameters.NegativePrompt = req.NegativePrompt
	payload.Parameters.PromptExtend = req.PromptExtend
	payload.Parameters.Watermark = req.Watermark
	payload.Parameters.N = req.N
	if payload.Parameters.N <= 0 {
		payload.Parameters.N = 1
	}
	size := req.Size
	if size.Width == 0 || size.Height == 0 {
		size = SupportedOutputSizes[0]
	}
	payload.Parameters.Size = size.String()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	c.logger.Info("submitting generation job: model=%s images=%d size=%s",
		c.model, len(req.Images), payload.Parameters.Size)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-DashScope-Async", "enable")

	respBody, err := c.doJSON(httpReq, "image-gen-submit")
	if err != nil {
		return "", err
	}

	var parsed submitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if parsed.Output.TaskID == "" {
		return "", fmt.Errorf("submit accepted but no job id returned (code=%s message=%s)",
			parsed.Code, parsed.Message)
	}

	c.logger.Info("generation job submitted: id=%s", parsed.Output.TaskID)
	return parsed.Output.TaskID, nil
}

// PollResult is one status observation of a job.
type PollResult struct {
	Status    string
	ImageURLs []string
	ErrorCode string
	ErrorMsg  string
}

// Terminal reports whether the job has finished, either way.
func (r PollResult) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

type pollResponse struct {
	Output struct {
		TaskStatus string `json:"task_status"`
		ErrorCode  string `json:"error_code"`
		Message    string `json:"message"`
		Choices    []struct {
			Message struct {
				Content []struct {
					Image string `json:"image"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
}

// Poll performs a single status query for the job.
func (c *Client) Poll(ctx context.Context, jobID string) (PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.taskURL+"/"+url.PathEscape(jobID), nil)
	if err != nil {
		return PollResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	respBody, err := c.doJSON(httpReq, "image-gen-poll")
	if err != nil {
		return PollResult{}, err
	}

	var parsed pollResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return PollResult{}, fmt.Errorf("decode poll response: %w", err)
	}

	result := PollResult{
		Status:    parsed.Output.TaskStatus,
		ErrorCode: parsed.Output.ErrorCode,
		ErrorMsg:  parsed.Output.Message,
	}
	for _, choice := range parsed.Output.Choices {
		for _, content := range choice.Message.Content {
			if content.Image != "" {
				result.ImageURLs = append(result.ImageURLs, content.Image)
			}
		}
	}
	return result, nil
}

// RunToCompletion polls the job until it reaches a terminal state, then
// downloads every output image into destDir. Failure modes are distinct:
// remote failure carries the service's code and message, exceeding the wait
// budget is a timeout, and a failed artifact download after a successful job
// is a download error.
func (c *Client) RunToCompletion(ctx context.Context, jobID, destDir string) ([]string, error) {
	start := time.Now()

	for {
		result, err := c.Poll(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case StatusSucceeded:
			c.logger.Info("generation job %s succeeded with %d images", jobID, len(result.ImageURLs))
			return c.downloadAll(ctx, result.ImageURLs, destDir)
		case StatusFailed:
			return nil, &apperrors.JobFailedError{JobID: jobID, Code: result.ErrorCode, Message: result.ErrorMsg}
		}

		elapsed := time.Since(start)
		if elapsed > c.maxWait {
			return nil, &apperrors.TimeoutError{JobID: jobID, Elapsed: elapsed}
		}
		c.logger.Debug("generation job %s still %s after %s", jobID, result.Status, elapsed.Round(time.Second))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// downloadAll fetches every artifact concurrently. Individual downloads are
// retried on transient transport errors; a download that still fails is
// fatal for the whole run.
func (c *Client) downloadAll(ctx context.Context, urls []string, destDir string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("job succeeded but returned no images")
	}

	paths := make([]string, len(urls))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, imageURL := range urls {
		group.Go(func() error {
			dest := filepath.Join(destDir, artifactFilename(imageURL, i))
			if err := c.downloadOne(groupCtx, imageURL, dest); err != nil {
				return &apperrors.DownloadFailedError{URL: imageURL, Err: err}
			}
			paths[i] = dest
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (c *Client) downloadOne(ctx context.Context, imageURL, dest string) error {
	return apperrors.Retry(ctx, apperrors.DefaultRetryConfig(), c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.downloadClient.Do(req)
		if err != nil {
			return &apperrors.TransportError{Service: "image-download", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &apperrors.TransportError{
				Service:    "image-download",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected status %s", resp.Status),
			}
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &apperrors.TransportError{Service: "image-download", Err: err}
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("write artifact %s: %w", dest, err)
		}
		c.logger.Info("downloaded artifact %s (%d bytes)", dest, len(data))
		return nil
	})
}

// artifactFilename derives a local filename from the artifact URL: the last
// path element with query parameters stripped, or a generated name when the
// URL carries no usable one.
func artifactFilename(imageURL string, index int) string {
	if u, err := url.Parse(imageURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" && strings.Contains(base, ".") {
			return base
		}
	}
	return fmt.Sprintf("image_%d_%d.png", time.Now().Unix(), index)
}

// doJSON executes the request and returns the body, mapping HTTP-level
// failures onto the transport error taxonomy.
func (c *Client) doJSON(req *http.Request, service string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.TransportError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadAPIResponse(resp.Body)
	if err != nil {
		return nil, &apperrors.TransportError{Service: service, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apperrors.TransportError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

func encodeImageRef(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "data:"):
		return ref, nil
	default:
		return imageutil.EncodeDataURIBounded(ref, imageutil.MaxInputEdge)
	}
}
