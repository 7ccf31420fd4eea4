// Package ranking turns a question into an ordered list of verified template
// candidates and lets the LLM pick the one that answers it.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/templates"
)

// Defaults for Options.
const (
	DefaultTopN   = 5
	DefaultFanout = 4
)

const selectorTemperature = 0.1

// ErrEmptyQuestion is returned by Rank for a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// Embedder embeds a single question.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CandidateMatch is a template proposed for one request.
type CandidateMatch struct {
	Template        templates.Template `json:"verified_query"`
	Similarity      float64            `json:"similarity"`
	MatchedQuestion string             `json:"matched_question"`
	Confidence      float64            `json:"confidence"`
	Rationale       string             `json:"reasoning,omitempty"`
	Selected        bool               `json:"selected"`
}

// Options tunes the candidate search.
type Options struct {
	// Fanout multiplies topN to size the question search, since several
	// questions of one template may crowd the top hits.
	Fanout        int
	MinSimilarity float64
}

// Ranker retrieves and selects template candidates.
type Ranker struct {
	embedder Embedder
	store    templates.Store
	gen      llm.Generator
	prompts  *prompts.Library
	opts     Options
}

// NewRanker creates a Ranker.
func NewRanker(embedder Embedder, store templates.Store, gen llm.Generator, lib *prompts.Library, opts Options) *Ranker {
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	return &Ranker{embedder: embedder, store: store, gen: gen, prompts: lib, opts: opts}
}

// Rank returns up to topN candidates ordered by similarity, with exactly one
// marked Selected when the list is non-empty. Only embedding and store
// failures are returned as errors; a failing selector falls back to the most
// similar candidate.
func (r *Ranker) Rank(ctx context.Context, question string, topN int) ([]CandidateMatch, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	if topN <= 0 {
		topN = DefaultTopN
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("ranking: embedding question: %w", err)
	}

	hits, err := r.store.SearchBySimilarity(ctx, vec, topN*r.opts.Fanout)
	if err != nil {
		return nil, fmt.Errorf("ranking: searching templates: %w", err)
	}

	candidates, err := r.collect(ctx, hits, topN)
	if err != nil {
		return nil, err
	}

	switch len(candidates) {
	case 0:
		return []CandidateMatch{}, nil
	case 1:
		candidates[0].Selected = true
		candidates[0].Confidence = clamp(candidates[0].Similarity)
		return candidates, nil
	}

	r.selectBest(ctx, question, candidates)
	return candidates, nil
}

// collect keeps the best hit per template, loads the templates and caps the
// list at topN.
func (r *Ranker) collect(ctx context.Context, hits []templates.SearchHit, topN int) ([]CandidateMatch, error) {
	best := make(map[string]templates.SearchHit)
	var order []string
	for _, h := range hits {
		if h.Similarity < r.opts.MinSimilarity {
			continue
		}
		prev, ok := best[h.TemplateID]
		if !ok {
			order = append(order, h.TemplateID)
		}
		if !ok || h.Similarity > prev.Similarity {
			best[h.TemplateID] = h
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return best[order[i]].Similarity > best[order[j]].Similarity
	})

	out := make([]CandidateMatch, 0, topN)
	for _, id := range order {
		if len(out) == topN {
			break
		}
		t, err := r.store.Get(ctx, id)
		if errors.Is(err, templates.ErrNotFound) {
			slog.Debug("ranking: template vanished after search", "id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ranking: loading template %s: %w", id, err)
		}
		h := best[id]
		out = append(out, CandidateMatch{
			Template:        *t,
			Similarity:      h.Similarity,
			MatchedQuestion: h.MatchedQuestion,
		})
	}
	return out, nil
}

type selection struct {
	BestMatchIndex any     `json:"best_match_index"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

func (r *Ranker) selectBest(ctx context.Context, question string, candidates []CandidateMatch) {
	data := prompts.SelectBestData{Question: question}
	for i, c := range candidates {
		data.Candidates = append(data.Candidates, prompts.SelectCandidate{
			Index:           i + 1,
			Name:            c.Template.Name,
			Explanation:     c.Template.Explanation,
			MatchedQuestion: c.MatchedQuestion,
		})
	}

	fallback := func(reason string, err error) {
		slog.Warn("ranking: selector failed, using most similar candidate", "reason", reason, "error", err)
		candidates[0].Selected = true
		candidates[0].Confidence = 0
	}

	system, user, err := r.prompts.Render(ctx, prompts.SelectBest, data)
	if err != nil {
		fallback("render", err)
		return
	}
	raw, err := r.gen.GenerateStructured(ctx, user, system, selectorTemperature)
	if err != nil {
		fallback("generate", err)
		return
	}
	var sel selection
	if err := llm.Decode(raw, &sel); err != nil {
		fallback("decode", err)
		return
	}

	idx, ok := selectionIndex(sel.BestMatchIndex, len(candidates))
	if !ok {
		slog.Debug("ranking: selector index invalid, using candidate 1", "index", sel.BestMatchIndex)
		idx = 0
	}
	c := &candidates[idx]
	c.Selected = true
	c.Confidence = clamp(sel.Confidence)
	c.Rationale = sel.Reasoning
}

// selectionIndex converts a 1-based index from the model into a slice index.
// Non-integral values are rejected.
func selectionIndex(v any, n int) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	i := int(f) - 1
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Selected returns the chosen candidate, or false when none is marked.
func Selected(matches []CandidateMatch) (CandidateMatch, bool) {
	for _, m := range matches {
		if m.Selected {
			return m, true
		}
	}
	return CandidateMatch{}, false
}
