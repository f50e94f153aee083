// Package mailhub is the client for the Mailhub mailbox API: cursor
// paginated message listing, per-message body fetches, folder delta sync,
// and async sync-run status. All calls are authenticated with the
// workspace's mailbox access token on top of the service API key.
package mailhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
	"github.com/plumehq/plume/logger"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRPM        = 120
	defaultRetryAfter = 30 * time.Second

	// maxBodyBytes caps response reads; mail bodies are snippets plus
	// text, not attachments.
	maxBodyBytes = 4 << 20
)

// Client talks to the Mailhub API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewClient builds a Mailhub client from configuration. The client-side
// limiter smooths request bursts below the provider's quota so 429s stay
// exceptional.
func NewClient(cfg config.MailhubConfig) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRPM
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 5),
		log:     logger.ComponentLogger("mailhub"),
	}
}

// Message is one mailbox message as listed by the API. The body comes
// separately via GetMessageBody.
type Message struct {
	ID         string `json:"id"`
	Folder     string `json:"folder"`
	Subject    string `json:"subject"`
	From       string `json:"from"`
	Snippet    string `json:"snippet"`
	ReceivedAt string `json:"received_at"`
}

// MessagePage is one bounded slice of a mailbox listing.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

// ListMessages fetches one page of the workspace mailbox, newest first.
// An empty cursor starts from the beginning.
func (c *Client) ListMessages(ctx context.Context, accessToken, cursor string, limit int) (*MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var page MessagePage
	if err := c.get(ctx, accessToken, "/v1/messages", q, &page); err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	return &page, nil
}

// CountMessages returns how many messages the mailbox holds after cursor.
// An empty cursor counts the whole mailbox.
func (c *Client) CountMessages(ctx context.Context, accessToken, cursor string) (int, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, accessToken, "/v1/messages/count", q, &out); err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return out.Count, nil
}

// GetMessageBody fetches the full text body of one message.
func (c *Client) GetMessageBody(ctx context.Context, accessToken, messageID string) (string, error) {
	var out struct {
		Body string `json:"body"`
	}
	path := "/v1/messages/" + url.PathEscape(messageID)
	if err := c.get(ctx, accessToken, path, nil, &out); err != nil {
		return "", errors.Wrapf(err, "failed to fetch message %s", messageID)
	}
	return out.Body, nil
}

// FolderDelta is one page of changes in a folder since a sync token.
type FolderDelta struct {
	Messages  []Message `json:"messages"`
	NextToken string    `json:"next_token"`
	HasMore   bool      `json:"has_more"`
}

// ListFolderDelta fetches messages changed in a folder since syncToken.
// An empty token asks for a full listing and a fresh token.
func (c *Client) ListFolderDelta(ctx context.Context, accessToken, folder, syncToken string, limit int) (*FolderDelta, error) {
	q := url.Values{}
	q.Set("folder", folder)
	if syncToken != "" {
		q.Set("sync_token", syncToken)
	}
	q.Set("limit", strconv.Itoa(limit))

	var delta FolderDelta
	if err := c.get(ctx, accessToken, "/v1/sync/delta", q, &delta); err != nil {
		return nil, errors.Wrapf(err, "failed to fetch delta for folder %s", folder)
	}
	return &delta, nil
}

// CountFolderDelta returns how many messages changed in a folder since
// syncToken without fetching them.
func (c *Client) CountFolderDelta(ctx context.Context, accessToken, folder, syncToken string) (int, error) {
	q := url.Values{}
	q.Set("folder", folder)
	if syncToken != "" {
		q.Set("sync_token", syncToken)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, accessToken, "/v1/sync/delta/count", q, &out); err != nil {
		return 0, errors.Wrapf(err, "failed to count delta for folder %s", folder)
	}
	return out.Count, nil
}

// ListFolders returns the folder names of the mailbox.
func (c *Client) ListFolders(ctx context.Context, accessToken string) ([]string, error) {
	var out struct {
		Folders []string `json:"folders"`
	}
	if err := c.get(ctx, accessToken, "/v1/folders", nil, &out); err != nil {
		return nil, errors.Wrap(err, "failed to list folders")
	}
	return out.Folders, nil
}

// StartSyncRun asks the provider to prepare a mailbox sync server-side and
// returns its run id. Preparation is async; poll GetSyncRunStatus. The
// endpoint is idempotent per mailbox: while a run is active, it returns
// that run's id instead of starting another.
func (c *Client) StartSyncRun(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.post(ctx, accessToken, "/v1/sync/runs", nil, &out); err != nil {
		return "", errors.Wrap(err, "failed to start sync run")
	}
	return out.RunID, nil
}

// GetSyncRunStatus reports whether a provider-side sync run has finished.
func (c *Client) GetSyncRunStatus(ctx context.Context, accessToken, runID string) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/v1/sync/runs/" + url.PathEscape(runID)
	if err := c.get(ctx, accessToken, path, nil, &out); err != nil {
		return false, errors.Wrapf(err, "failed to fetch sync run %s", runID)
	}
	return out.Status == "done", nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, q url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, accessToken, path, q, nil, out)
}

func (c *Client) post(ctx context.Context, accessToken, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, accessToken, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, accessToken, path string, q url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait interrupted")
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Mailbox-Token", accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "mailhub request failed")
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode mailhub response")
	}
	return nil
}

// checkStatus maps HTTP status codes onto the engine's failure taxonomy:
// 401/403 are permanent credential failures, 429 carries the provider's
// delay, everything else unexpected stays transient.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrNoCredentials, "mailhub rejected credentials (status %d)", resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		c.log.Debugw("mailhub throttled request", "retry_after", retryAfter)
		return &errors.RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFoundError("mailhub resource not found")

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warnw("mailhub returned unexpected status",
			"status", resp.StatusCode, "body", string(snippet))
		return errors.Newf("mailhub returned status %d", resp.StatusCode)
	}
}

// ParseRetryAfter reads a Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Absent or unparseable headers fall back to a
// conservative default rather than an immediate retry.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		d := time.Until(at)
		if d < 0 {
			return 0
		}
		return d
	}
	return defaultRetryAfter
}

// String renders the client target for startup banners.
func (c *Client) String() string {
	return fmt.Sprintf("mailhub(%s)", c.baseURL)
}
