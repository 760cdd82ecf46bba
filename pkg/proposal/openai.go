package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/metrics"
)

const (
	// DefaultOpenAIBaseURL is the default OpenAI API base URL
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "gpt-4o"

	backendOpenAI = "openai"
)

// OpenAI requests suggestions from an OpenAI-compatible chat completions
// API directly, bypassing the relay. The answer goes through the same
// lenient parser as the relay backend.
type OpenAI struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	retry      RetryPolicy
	log        *logging.Logger
}

// OpenAIOption configures an OpenAI backend.
type OpenAIOption func(*OpenAI)

// WithModel sets the model to use for completions.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(o *OpenAI) {
		if baseURL != "" {
			o.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithOpenAIRetry replaces the retry policy.
func WithOpenAIRetry(p RetryPolicy) OpenAIOption {
	return func(o *OpenAI) {
		o.retry = p
	}
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(l *logging.Logger) OpenAIOption {
	return func(o *OpenAI) {
		o.log = l
	}
}

// NewOpenAI creates the direct backend. An empty apiKey falls back to
// OPENAI_API_KEY; the base URL falls back to OPENAI_BASE_URL.
func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via ai.api_key or OPENAI_API_KEY environment variable)")
	}

	o := &OpenAI{
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		apiKey:     apiKey,
		baseURL:    DefaultOpenAIBaseURL,
		model:      DefaultOpenAIModel,
		retry:      DefaultRetry,
		log:        logging.Discard(),
	}
	if env := os.Getenv("OPENAI_BASE_URL"); env != "" {
		o.baseURL = strings.TrimRight(env, "/")
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Propose asks the model for a suggestion. It never fails.
func (o *OpenAI) Propose(ctx context.Context, req Request) Suggestion {
	answer, err := do(ctx, o.retry, func(err error, wait time.Duration) {
		o.log.Warningf("completion request failed, retrying in %s: %v", wait, err)
	}, func() (string, error) {
		return o.complete(ctx, req)
	})
	if err != nil {
		o.log.Errorf("completion service unavailable: %v", err)
		metrics.ProposalRequestsTotal.WithLabelValues(backendOpenAI, "unavailable").Inc()
		return NoChange(UnavailableReason)
	}

	res := Parse(answer)
	metrics.ProposalRequestsTotal.WithLabelValues(backendOpenAI, res.Outcome.String()).Inc()
	if res.Outcome == Fallback {
		o.log.Warningf("completion answer could not be parsed: %s", res.Reason)
	}
	return res.Suggestion
}

func (o *OpenAI) complete(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt),
		openai.UserMessage(renderUserMessage(req)),
	}

	bodyBytes, err := json.Marshal(map[string]interface{}{
		"model":    o.model,
		"messages": messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(data, &completion); err != nil || len(completion.Choices) == 0 {
		return "", nil
	}
	return completion.Choices[0].Message.Content, nil
}

// renderUserMessage appends the request context to the prompt so the model
// sees the same information the relay forwards as a structured field.
func renderUserMessage(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, req.Context[k])
	}
	return b.String()
}
