package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/metrics"
)

const (
	// DefaultPath is the relay endpoint dedicated to the maintenance agent.
	DefaultPath = "/chat-codex"
	// DefaultRequestTimeout bounds a single request to the relay.
	DefaultRequestTimeout = 60 * time.Second

	backendRelay = "relay"

	// UnavailableReason is the fallback summary when the service cannot be reached.
	UnavailableReason = "AI service unavailable"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	UserID  int            `json:"user_id"`
	OrgID   *int           `json:"org_id"`
	Message string         `json:"message"`
	History []chatMessage  `json:"history"`
	Context map[string]any `json:"context"`
}

type chatResponse struct {
	Answer string `json:"answer"`
	Model  string `json:"model,omitempty"`
}

// Client talks to the chat relay service.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
	retry      RetryPolicy
	log        *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPath selects the relay endpoint, e.g. "/chat" instead of "/chat-codex".
func WithPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.path = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry replaces the retry policy.
func WithRetry(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithLogger sets the logger used to report degraded answers.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient creates a relay client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       DefaultPath,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		retry:      DefaultRetry,
		log:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Propose asks the relay for a suggestion. It never fails.
func (c *Client) Propose(ctx context.Context, req Request) Suggestion {
	answer, err := do(ctx, c.retry, func(err error, wait time.Duration) {
		c.log.Warningf("proposal request failed, retrying in %s: %v", wait, err)
	}, func() (string, error) {
		return c.send(ctx, req)
	})
	if err != nil {
		c.log.Errorf("proposal service unavailable: %v", err)
		metrics.ProposalRequestsTotal.WithLabelValues(backendRelay, "unavailable").Inc()
		return NoChange(UnavailableReason)
	}

	res := Parse(answer)
	metrics.ProposalRequestsTotal.WithLabelValues(backendRelay, res.Outcome.String()).Inc()
	if res.Outcome == Fallback {
		c.log.Warningf("proposal answer could not be parsed: %s", res.Reason)
	}
	return res.Suggestion
}

func (c *Client) send(ctx context.Context, req Request) (string, error) {
	payload := chatRequest{
		UserID:  0,
		Message: req.Prompt,
		History: []chatMessage{{Role: "system", Content: SystemPrompt}},
		Context: req.Context,
	}
	if payload.Context == nil {
		payload.Context = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		// a malformed envelope is not transient; let the parser fall back
		return "", nil
	}
	return out.Answer, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
