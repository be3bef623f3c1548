// =============================================================================
// Foundry OpenAI-Compatible Completion Client
// =============================================================================
// Shared implementation for OpenAI-compatible chat completion endpoints
// (OpenAI, DeepSeek, Qwen, local gateways). The workflow only needs plain
// prompt-in/text-out, so tool calling and streaming are not exposed here.
// =============================================================================

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible client.
type Config struct {
	// ProviderName is the unique identifier for this provider (e.g., "openai", "qwen").
	ProviderName string

	// APIKey is the authentication key for the provider's API.
	// An empty key is a configuration error surfaced on first use, never retried.
	APIKey string

	// BaseURL is the base URL for the provider's API (e.g., "https://api.openai.com").
	BaseURL string

	// Model is the model identifier sent with every request.
	Model string

	// Temperature for sampling. Defaults to 0.7 if zero.
	Temperature float32

	// MaxTokens caps the completion length. Defaults to 4096 if zero.
	MaxTokens int

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string
}

// Client 是 OpenAI 兼容 Chat Completions 的 Provider 实现。
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a new OpenAI-compatible completion client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "llm_client"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.cfg.ProviderName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete 实现 Provider.Complete。
// 错误映射：401 → 不可重试配置错误；429/5xx/超时 → 可重试瞬时错误。
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", NewError(ErrMissingCredential, "api key not configured").WithProvider(c.cfg.ProviderName)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.EndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", NewError(ErrUpstreamTimeout, "completion request canceled or timed out").
				WithRetryable(true).WithProvider(c.cfg.ProviderName).WithCause(err)
		}
		return "", NewError(ErrUpstreamError, "completion request failed").
			WithRetryable(true).WithProvider(c.cfg.ProviderName).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", NewError(ErrUpstreamError, "read completion response").
			WithRetryable(true).WithProvider(c.cfg.ProviderName).WithCause(err)
	}

	c.logger.Debug("completion finished",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
		zap.Int("response_bytes", len(data)),
	)

	if resp.StatusCode != http.StatusOK {
		return "", c.mapHTTPError(resp.StatusCode, data)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", NewError(ErrUpstreamError, "decode completion response").
			WithRetryable(true).WithProvider(c.cfg.ProviderName).WithCause(err)
	}
	if parsed.Error != nil {
		return "", NewError(ErrUpstreamError, parsed.Error.Message).
			WithRetryable(true).WithProvider(c.cfg.ProviderName)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", NewError(ErrEmptyCompletion, "completion contained no text").
			WithProvider(c.cfg.ProviderName)
	}

	return parsed.Choices[0].Message.Content, nil
}

// mapHTTPError 将 HTTP 状态码映射为统一错误码。
func (c *Client) mapHTTPError(status int, body []byte) *Error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(ErrUnauthorized, "provider rejected credentials: "+snippet).
			WithHTTPStatus(status).WithProvider(c.cfg.ProviderName)
	case status == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, "provider rate limited: "+snippet).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(c.cfg.ProviderName)
	case status == http.StatusServiceUnavailable:
		return NewError(ErrServiceUnavailable, "provider unavailable (503): "+snippet).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(c.cfg.ProviderName)
	case status >= 500:
		return NewError(ErrUpstreamError, fmt.Sprintf("provider error (%d): %s", status, snippet)).
			WithHTTPStatus(status).WithRetryable(true).WithProvider(c.cfg.ProviderName)
	default:
		return NewError(ErrInvalidRequest, fmt.Sprintf("provider rejected request (%d): %s", status, snippet)).
			WithHTTPStatus(status).WithProvider(c.cfg.ProviderName)
	}
}
