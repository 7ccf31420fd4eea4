package templates

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Embedder computes question embeddings.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Registry is the write path for templates: it keeps question embeddings in
// step with question text before handing a complete template to the store.
type Registry struct {
	store    Store
	embedder Embedder
	dim      int
	now      func() time.Time
}

// NewRegistry creates a Registry. dim is the expected embedding dimension.
func NewRegistry(store Store, embedder Embedder, dim int) *Registry {
	return &Registry{store: store, embedder: embedder, dim: dim, now: time.Now}
}

// Store returns the underlying template store.
func (r *Registry) Store() Store {
	return r.store
}

// Save embeds any question whose text is new or changed and upserts t.
// Embeddings of unchanged questions are carried over from the stored version.
func (r *Registry) Save(ctx context.Context, t *Template) error {
	return r.save(ctx, t, false)
}

// Reembed recomputes every question embedding of the stored template id.
func (r *Registry) Reembed(ctx context.Context, id string) error {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.save(ctx, t, true)
}

func (r *Registry) save(ctx context.Context, t *Template, force bool) error {
	t.Normalize(r.now())
	if err := t.Validate(); err != nil {
		return err
	}

	known := make(map[string][]float32)
	if !force {
		existing, err := r.store.Get(ctx, t.ID)
		switch {
		case err == nil:
			for _, q := range existing.Questions {
				if len(q.Embedding) == r.dim {
					known[q.Text] = q.Embedding
				}
			}
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("loading existing template %s: %w", t.ID, err)
		}
	}

	var texts []string
	var idx []int
	for i := range t.Questions {
		if emb, ok := known[t.Questions[i].Text]; ok {
			t.Questions[i].Embedding = emb
			continue
		}
		t.Questions[i].Embedding = nil
		texts = append(texts, t.Questions[i].Text)
		idx = append(idx, i)
	}

	if len(texts) > 0 {
		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding questions for %s: %w", t.ID, err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedding questions for %s: got %d vectors, want %d", t.ID, len(vecs), len(texts))
		}
		for j, i := range idx {
			t.Questions[i].Embedding = vecs[j]
		}
	}

	if !t.Embedded(r.dim) {
		return fmt.Errorf("template %s: embeddings must have %d dimensions", t.ID, r.dim)
	}
	return r.store.Upsert(ctx, t)
}
