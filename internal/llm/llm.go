// Package llm is the text-generation capability shared by every pipeline
// stage: a provider-agnostic Client with bounded retries and a lenient
// structured-output mode that never fails on malformed JSON.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/querysmith/internal/metrics"
)

// DefaultMaxTokens caps a completion when no limit is configured.
const DefaultMaxTokens = 2000

// jsonInstruction is appended to the system prompt of structured calls.
const jsonInstruction = " Return your response as valid JSON."

// Generator is what pipeline stages depend on.
type Generator interface {
	GenerateText(ctx context.Context, prompt, system string, temperature float64) (string, error)
	GenerateStructured(ctx context.Context, prompt, system string, temperature float64) (json.RawMessage, error)
}

// Request is one completion call.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSON asks providers that support it to constrain output to JSON.
	JSON bool
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderError wraps a backend failure with the information retry needs.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Options tunes a Client.
type Options struct {
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Client implements Generator over a Provider. It is safe for concurrent use.
type Client struct {
	provider   Provider
	maxTokens  int
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

var _ Generator = (*Client)(nil)

// NewClient wraps p. Zero options fall back to 2000 tokens, a 60s call
// timeout and 3 retries; a negative MaxRetries disables retrying.
func NewClient(p Provider, opts Options) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		provider:   p,
		maxTokens:  opts.MaxTokens,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		newBackOff: defaultBackOff,
	}
}

// Provider returns the backend name, for logs and health output.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// GenerateText returns the raw completion for prompt.
func (c *Client) GenerateText(ctx context.Context, prompt, system string, temperature float64) (string, error) {
	return c.complete(ctx, Request{System: system, User: prompt, MaxTokens: c.maxTokens, Temperature: temperature})
}

// GenerateStructured asks for JSON and returns the parsed document. Provider
// errors are returned as errors; unparseable output is not. It yields
// {"error":"Failed to parse JSON","raw_response":...} instead, which Decode
// turns into ErrMalformedOutput.
func (c *Client) GenerateStructured(ctx context.Context, prompt, system string, temperature float64) (json.RawMessage, error) {
	text, err := c.complete(ctx, Request{
		System:      system + jsonInstruction,
		User:        prompt,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	raw, ok := ParseJSON(text)
	if !ok {
		metrics.LLMParseFailures.Inc()
		c.logger.Warn("llm: response is not valid JSON", "provider", c.provider.Name(), "length", len(text))
		return parseFailure(text), nil
	}
	return raw, nil
}
