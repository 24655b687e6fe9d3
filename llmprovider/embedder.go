package llmprovider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// Embedder is the OpenAI embedding provider behind semroute.Embedder.
type Embedder struct {
	client *Client
	model  string
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbeddingModel overrides the embedding model.
func WithEmbeddingModel(model string) EmbedderOption {
	return func(e *Embedder) { e.model = model }
}

// NewEmbedder creates an embedding provider.
func NewEmbedder(client *Client, opts ...EmbedderOption) *Embedder {
	e := &Embedder{client: client, model: DefaultEmbeddingModel}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed converts one text to a vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp *openai.CreateEmbeddingResponse
	err := e.client.retry(ctx, func() error {
		var callErr error
		resp, callErr = e.client.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(e.model),
			Input: openai.EmbeddingNewParamsInputUnion{
				OfString: openai.String(text),
			},
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("llmprovider: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llmprovider: embed: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
