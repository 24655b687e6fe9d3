// Package llmprovider implements the core's LLM collaborator interfaces —
// embedding provider, form filler, and reasoning inference — on the
// OpenAI API. The core only ever sees the interfaces; everything in here
// is replaceable configuration.
package llmprovider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Model defaults.
const (
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultFillerModel    = "gpt-4o-mini"
)

var ErrMissingAPIKey = errors.New("llmprovider: api key is required")

// Client wraps the shared OpenAI client.
type Client struct {
	api        openai.Client
	maxRetries uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.api = openai.NewClient(option.WithBaseURL(url))
	}
}

// WithMaxRetries bounds transient-error retries per call.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates the shared client.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		api:        openai.NewClient(option.WithAPIKey(apiKey)),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// retry runs op with exponential backoff on transient API errors.
// Non-transient failures are permanent and returned immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// transient reports whether an API error is worth retrying: rate limits,
// server errors, and transport failures.
func transient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Transport-level failures surface as plain errors.
	return true
}
