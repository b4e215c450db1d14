package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/skein-dev/skein/internal/protocol"
)

// Provider represents a configured AI backend. Exactly one wire-format
// family sits behind each implementation.
type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Name() string
}

// ChatRequest is the uniform request every adapter accepts
type ChatRequest struct {
	Model        string             `json:"model"`
	Messages     []protocol.Message `json:"messages"`
	MaxTokens    int                `json:"max_tokens,omitempty"`
	Temperature  float64            `json:"temperature,omitempty"`
	Tools        []protocol.Tool    `json:"tools,omitempty"`
	SystemPrompt string             `json:"system,omitempty"`
}

// ChatResponse is the normalized response
type ChatResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    string                  `json:"content"`
	ToolCalls  []protocol.ToolUseBlock `json:"tool_calls,omitempty"`
	StopReason string                  `json:"stop_reason"`
	Usage      protocol.Usage          `json:"usage"`
}

// Config holds provider configuration
type Config struct {
	Provider string `json:"provider"` // anthropic, openai, openrouter, gemini, deepseek, mistral
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"` // For custom endpoints
}

// New creates a provider based on config
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.Model), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "openrouter":
		baseURL := "https://openrouter.ai/api/v1"
		if cfg.BaseURL != "" {
			baseURL = cfg.BaseURL
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, baseURL), nil
	case "deepseek":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, "https://api.deepseek.com/v1"), nil
	case "mistral":
		baseURL := "https://api.mistral.ai/v1"
		if cfg.BaseURL != "" {
			baseURL = cfg.BaseURL
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, baseURL), nil
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// httpClient is a shared HTTP client with a long timeout for AI requests
var httpClient = &http.Client{
	Timeout: 10 * time.Minute,
	Transport: &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// doRequest performs an HTTP request with retry on network flakes and 5xx.
// Context cancellation aborts immediately, it is never retried.
func doRequest(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}

	retryDelay := 1 * time.Second
	maxRetries := 3

	for i := 0; i <= maxRetries; i++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}

		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if i < maxRetries {
				log.Printf("[Provider] Request failed: %v. Retrying in %v...", err, retryDelay)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return nil, err
		}

		if resp.StatusCode >= 500 && i < maxRetries {
			log.Printf("[Provider] API returned %d. Retrying in %v...", resp.StatusCode, retryDelay)
			resp.Body.Close()
			time.Sleep(retryDelay)
			retryDelay *= 2
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded")
}
