// Package llm is a thin client for OpenAI-compatible chat completion and
// embedding endpoints. It supports blocking calls for the judge pipeline and
// SSE streaming for the coach, classifies failures into retryable categories,
// and records per-call usage to an append-only JSONL log.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool   // ask the provider for a JSON object response
	Purpose     string // logical route for the usage log, e.g. PurposeJudge
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the full output of one completion call.
type Result struct {
	Content string
	Usage   Usage
}

// Client calls an OpenAI-compatible API.
type Client struct {
	baseURL    string
	provider   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	usage      *UsageLog
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUsageLog attaches a usage sink. Nil disables usage recording.
func WithUsageLog(u *UsageLog) Option {
	return func(c *Client) { c.usage = u }
}

// New creates a client for the given base URL, e.g. "https://api.openai.com/v1"
// or a local Ollama OpenAI-compat endpoint.
func New(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		provider: providerFromBaseURL(baseURL),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

func formatFor(req Request) *responseFormat {
	if !req.JSONMode {
		return nil
	}
	return &responseFormat{Type: "json_object"}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete performs a blocking chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	resp, err := c.post(ctx, chatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: formatFor(req),
	})
	if err != nil {
		c.record(ctx, req, "complete", Usage{}, time.Since(started), err)
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		err = fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
		c.record(ctx, req, "complete", Usage{}, time.Since(started), err)
		return Result{}, err
	}
	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("%w: no choices", ErrInvalidResponse)
		c.record(ctx, req, "complete", Usage{}, time.Since(started), err)
		return Result{}, err
	}

	res := Result{Content: parsed.Choices[0].Message.Content, Usage: parsed.Usage}
	c.record(ctx, req, "complete", res.Usage, time.Since(started), nil)
	return res, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Stream performs a streaming chat completion, invoking onDelta for every
// content fragment as it arrives. The accumulated content is returned. An
// error from onDelta aborts the stream; the partial Result is still returned
// so callers can persist what was delivered.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(delta string) error) (Result, error) {
	started := time.Now()
	resp, err := c.post(ctx, chatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Stream:         true,
		ResponseFormat: formatFor(req),
	})
	if err != nil {
		c.record(ctx, req, "stream", Usage{}, time.Since(started), err)
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var sb strings.Builder
	var usage Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keepalive frames
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			res := Result{Content: sb.String(), Usage: usage}
			c.record(ctx, req, "stream", usage, time.Since(started), err)
			return res, fmt.Errorf("llm: stream consumer: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		res := Result{Content: sb.String(), Usage: usage}
		classified := classifyTransport(err)
		c.record(ctx, req, "stream", usage, time.Since(started), classified)
		return res, classified
	}

	res := Result{Content: sb.String(), Usage: usage}
	c.record(ctx, req, "stream", usage, time.Since(started), nil)
	return res, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// providerFromBaseURL names the upstream for the usage log. Anything that is
// not recognisably OpenAI is identified by its host, e.g. a local Ollama.
func providerFromBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "openai"
	}
	if strings.Contains(u.Hostname(), "openai") {
		return "openai"
	}
	return u.Hostname()
}

func (c *Client) record(ctx context.Context, req Request, kind string, usage Usage, elapsed time.Duration, callErr error) {
	purpose := req.Purpose
	if purpose == "" {
		purpose = kind
	}
	if callErr != nil {
		c.logger.WarnContext(ctx, "llm call failed",
			slog.String("model", req.Model),
			slog.String("purpose", purpose),
			slog.Duration("elapsed", elapsed),
			slog.String("error", callErr.Error()))
	} else {
		c.logger.DebugContext(ctx, "llm call finished",
			slog.String("model", req.Model),
			slog.String("purpose", purpose),
			slog.Duration("elapsed", elapsed),
			slog.Int("total_tokens", usage.TotalTokens))
	}
	if c.usage == nil {
		return
	}
	rec := UsageRecord{
		Timestamp:        time.Now().UTC(),
		Provider:         c.provider,
		Model:            req.Model,
		Purpose:          purpose,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		DurationMS:       elapsed.Milliseconds(),
		Success:          callErr == nil,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := c.usage.Append(rec); err != nil {
		c.logger.WarnContext(ctx, "usage log append failed", slog.String("error", err.Error()))
	}
}
