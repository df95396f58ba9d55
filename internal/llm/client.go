// Package llm speaks the OpenAI-compatible chat-completions protocol,
// including tool calling. Any endpoint that accepts the OpenAI request
// shape works: OpenAI itself, DeepSeek, or a local gateway.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/domain"
)

// maxRetryDelay caps the backoff between chat attempts.
const maxRetryDelay = 30 * time.Second

// Message is one chat message. Assistant messages may carry tool calls;
// tool messages answer one call and carry its id and tool name.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function. Parameters holds a JSON
// Schema object, passed through verbatim.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the model's request to invoke one tool. Arguments is the
// raw JSON argument object as the model produced it.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a chat-completions request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a chat-completions response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Message returns the first choice's message.
func (r *Response) Message() Message {
	if len(r.Choices) == 0 {
		return Message{}
	}
	return r.Choices[0].Message
}

// ChatClient is the surface the session driver consumes.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req Request) (*Response, error)
}

// Client is an OpenAI-compatible chat client
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger
}

// NewClient creates a chat client. model is the default used when a
// request names none.
func NewClient(endpoint, apiKey, model string, log zerolog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client: &http.Client{
			Transport: transport,
			// Completions with tool loops run long; the context still
			// cuts a stuck request off earlier.
			Timeout: 5 * time.Minute,
		},
		maxAttempts: 3,
		baseDelay:   time.Second,
		log:         log.With().Str("client", "llm").Logger(),
	}
}

// ChatCompletion sends one chat-completions request. Rate limits,
// server errors, and transport failures are retried with exponential
// backoff; client errors are not.
func (c *Client) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: chat completion cancelled: %v", domain.ErrCancelled, err)
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Warn().
			Err(err).
			Str("model", req.Model).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Chat completion failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: chat completion cancelled: %v", domain.ErrCancelled, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: chat request failed: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(payload))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: chat API returned 429: %s", domain.ErrRateLimited, msg)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: chat API returned %d: %s", domain.ErrUnavailable, resp.StatusCode, msg)
		default:
			return nil, fmt.Errorf("chat API returned %d: %s", resp.StatusCode, msg)
		}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat API returned no choices")
	}
	return &out, nil
}

func retryable(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindRateLimited, domain.KindUnavailable:
		return true
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
