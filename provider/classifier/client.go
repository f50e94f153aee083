// Package classifier is the client for the LLM classification provider,
// an OpenAI-style chat-completions endpoint. The client returns the raw
// assistant content; model output is never assumed well formed, so
// parsing happens in parse.go with malformed entries reported as such.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
	"github.com/plumehq/plume/provider/mailhub"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultRPM         = 60
	defaultTemperature = 0.2
	defaultMaxTokens   = 500

	maxResponseBytes = 1 << 20
)

// Client talks to the chat-completions API.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	http        *http.Client
	limiter     *rate.Limiter
	log         *zap.SugaredLogger
}

// NewClient builds a classifier client from configuration.
func NewClient(cfg config.ClassifierConfig) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRPM
	}
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	maxTokens := defaultMaxTokens
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   maxTokens,
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 3),
		log:         logger.ComponentLogger("classifier"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one system+user prompt pair and returns the assistant
// content verbatim.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limiter wait interrupted")
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to build completion request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "completion request failed")
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "failed to decode completion response")
	}
	if out.Error != nil {
		return "", errors.Newf("classifier returned error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("classifier returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrNoCredentials, "classifier rejected credentials (status %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := mailhub.ParseRetryAfter(resp.Header.Get("Retry-After"))
		c.log.Debugw("classifier throttled request", "retry_after", retryAfter)
		return &errors.RateLimitError{RetryAfter: retryAfter}

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warnw("classifier returned unexpected status",
			"status", resp.StatusCode, "body", string(snippet))
		return errors.Newf("classifier returned status %d", resp.StatusCode)
	}
}

// Model reports the configured model name for status surfaces.
func (c *Client) Model() string { return c.model }
