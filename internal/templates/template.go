// Package templates defines verified query templates, the store contract the
// question-answering pipeline reads them through, and the administrative
// helpers (registry, YAML import, follow-up traversal) that write them.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a template id does not exist.
var ErrNotFound = errors.New("template not found")

// DefaultVerifiedBy is recorded when a template does not name its verifier.
const DefaultVerifiedBy = "data_analyst"

// Template is a human-verified SQL statement plus the metadata describing its
// intent and how it may safely be tailored.
type Template struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	SQL          string     `json:"sql"`
	Explanation  string     `json:"query_explanation"`
	Instructions string     `json:"instructions,omitempty"`
	TablesUsed   []string   `json:"tables_used"`
	Questions    []Question `json:"questions"`
	FollowUps    []string   `json:"follow_ups"`
	VerifiedAt   time.Time  `json:"verified_at"`
	VerifiedBy   string     `json:"verified_by"`
}

// Question is an example question answered by a template. Embedding is
// recomputed whenever Text changes and is never serialized.
type Question struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// SearchHit is one example question matched by a similarity search.
type SearchHit struct {
	TemplateID      string
	Similarity      float64
	MatchedQuestion string
}

// Store is the persistence contract for verified templates. Reads may run
// concurrently; Upsert and Delete are transactional over the template row, its
// questions and its follow-up edges.
type Store interface {
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]Template, error)
	SearchBySimilarity(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
	Upsert(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
	ListFollowUps(ctx context.Context, id string) ([]string, error)
}

// Validate reports whether t is complete enough to be stored.
func (t *Template) Validate() error {
	if t == nil {
		return errors.New("template is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("template id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template %s: name is required", t.ID)
	}
	if strings.TrimSpace(t.SQL) == "" {
		return fmt.Errorf("template %s: sql is required", t.ID)
	}
	if len(t.Questions) == 0 {
		return fmt.Errorf("template %s: at least one question is required", t.ID)
	}
	for i, q := range t.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("template %s: question %d is empty", t.ID, i)
		}
	}
	return nil
}

// QuestionTexts returns the example question texts in order.
func (t *Template) QuestionTexts() []string {
	out := make([]string, len(t.Questions))
	for i, q := range t.Questions {
		out[i] = q.Text
	}
	return out
}

// Embedded reports whether every question carries an embedding of dim
// dimensions. A dim of 0 only checks for presence.
func (t *Template) Embedded(dim int) bool {
	for _, q := range t.Questions {
		if len(q.Embedding) == 0 {
			return false
		}
		if dim > 0 && len(q.Embedding) != dim {
			return false
		}
	}
	return true
}

// Normalize fills defaults and drops self references and duplicate follow-up
// ids, preserving order.
func (t *Template) Normalize(now time.Time) {
	if t.VerifiedBy == "" {
		t.VerifiedBy = DefaultVerifiedBy
	}
	if t.VerifiedAt.IsZero() {
		t.VerifiedAt = now.UTC()
	}
	if t.TablesUsed == nil {
		t.TablesUsed = []string{}
	}
	seen := make(map[string]bool, len(t.FollowUps))
	follow := make([]string, 0, len(t.FollowUps))
	for _, id := range t.FollowUps {
		id = strings.TrimSpace(id)
		if id == "" || id == t.ID || seen[id] {
			continue
		}
		seen[id] = true
		follow = append(follow, id)
	}
	t.FollowUps = follow
}
