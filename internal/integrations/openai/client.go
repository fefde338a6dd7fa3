package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"kb-slackbot/internal/domain"
	"kb-slackbot/internal/integrations/paramstore"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024
	defaultTimeout   = 30 * time.Second

	maxErrorBody    = 4 << 10
	maxResponseBody = 1 << 20

	defaultSystemPrompt = "You are a helpful workplace assistant answering questions in a Slack thread. " +
		"Answer concisely. If earlier conversation context is included, use it to resolve follow-up questions."
)

type completionRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Getter reads one parameter value; *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a non-2xx response from the completions endpoint.
type HTTPStatusError struct {
	StatusCode int
	RequestID  string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("openai: status %d (request %s): %s", e.StatusCode, e.RequestID, e.Body)
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Transient reports whether retrying the same request could succeed.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client answers questions through an OpenAI-compatible chat completions API.
// The API holds no server-side conversation, so it never issues a session
// token and follow-ups rely on the framed context summary.
type Client struct {
	endpoint     string
	model        string
	systemPrompt string
	maxTokens    int
	temperature  *float64
	httpClient   *http.Client
	logger       *slog.Logger

	getter   Getter
	keyParam string
	keyOnce  sync.Once
	key      string
	keyErr   error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.endpoint = completionsURL(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(prompt); p != "" {
			c.systemPrompt = p
		}
	}
}

// WithMaxTokens caps the completion length. Zero leaves it to the server.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxTokens = n
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a Client whose API key lives at <paramPrefix>/open-ai-token.
// The key is read on the first Ask and kept for the life of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		endpoint:     completionsURL(defaultBaseURL),
		model:        defaultModel,
		systemPrompt: defaultSystemPrompt,
		maxTokens:    defaultMaxTokens,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		logger:       slog.Default(),
		getter:       ps,
		keyParam:     paramPrefix + "/open-ai-token",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// completionsURL accepts a base with or without the /v1 suffix.
func completionsURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.keyParam)
		if err != nil {
			c.keyErr = fmt.Errorf("openai: fetch API key: %w", err)
			return
		}
		c.key, c.keyErr = paramstore.SecretValue(raw)
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("openai: API key %s: %w", c.keyParam, c.keyErr)
		}
	})
	return c.key, c.keyErr
}

// Ask sends query as a single user turn under the system prompt. sessionToken
// is ignored and the returned answer never carries one.
func (c *Client) Ask(ctx context.Context, query, _ string) (domain.Answer, error) {
	if strings.TrimSpace(query) == "" {
		return domain.Answer{}, errors.New("openai: query must not be empty")
	}
	res, err := c.complete(ctx, completionRequest{
		Model: c.model,
		Messages: []domain.ChatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: query},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return domain.Answer{}, err
	}
	if len(res.Choices) == 0 {
		return domain.Answer{}, errors.New("openai: no choices in response")
	}
	choice := res.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return domain.Answer{}, fmt.Errorf("openai: empty completion (finish_reason %q)", choice.FinishReason)
	}
	c.logger.DebugContext(ctx, "openai completion",
		"id", res.ID,
		"finish_reason", choice.FinishReason,
		"prompt_tokens", res.Usage.PromptTokens,
		"completion_tokens", res.Usage.CompletionTokens,
	)
	if choice.FinishReason == "length" {
		c.logger.WarnContext(ctx, "openai completion truncated", "max_tokens", c.maxTokens)
	}
	return domain.Answer{Text: text}, nil
}

func (c *Client) complete(ctx context.Context, body completionRequest) (completionResponse, error) {
	var out completionResponse

	key, err := c.apiKey(ctx)
	if err != nil {
		return out, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return out, &HTTPStatusError{
			StatusCode: res.StatusCode,
			RequestID:  res.Header.Get("X-Request-Id"),
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBody)).Decode(&out); err != nil {
		return out, fmt.Errorf("openai: decode response: %w", err)
	}
	return out, nil
}
