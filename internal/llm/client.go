package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cairnlabs/cairn/internal/httpkit"
)

// Client talks to an Ollama-compatible chat API.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Config for the oracle client.
type Config struct {
	BaseURL string        // e.g., "http://localhost:11434"
	Model   string        // Default model name
	Timeout time.Duration // Per-call timeout (0 means 2 minutes)
}

// NewClient creates an oracle client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
		),
	}
}

// chatRequest is the wire format of the chat endpoint.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Format   string           `json:"format,omitempty"` // "json" forces JSON output
}

// chatResponse is the wire format of the chat endpoint's reply.
type chatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Complete sends a chat completion request and returns the reply.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	wire := chatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   false,
		Tools:    req.Tools,
	}
	if req.JSONOnly {
		wire.Format = "json"
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, errBody)
	}

	var wireResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Response{
		Message:      wireResp.Message,
		PromptTokens: wireResp.PromptEvalCount,
		OutputTokens: wireResp.EvalCount,
	}, nil
}

// Ping checks if the oracle endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracle unreachable: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}
	return nil
}
