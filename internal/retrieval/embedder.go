// Package retrieval turns question text into embedding vectors and provides
// the vector math the SQLite template store uses for similarity search.
package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/querysmith/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder wraps an Engine to generate text embeddings of a fixed dimension.
type Embedder struct {
	engine engine.Engine
	model  string
	dim    int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// A dim of 0 disables the dimension check.
func NewEmbedder(e engine.Engine, model string, dim int) *Embedder {
	return &Embedder{engine: e, model: model, dim: dim}
}

// Dimension returns the configured embedding dimension.
func (e *Embedder) Dimension() int {
	return e.dim
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := e.check(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			if err := e.check(vec); err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) check(vec []float32) error {
	if e.dim > 0 && len(vec) != e.dim {
		return fmt.Errorf("model %s returned %d dimensions, want %d", e.model, len(vec), e.dim)
	}
	return nil
}
