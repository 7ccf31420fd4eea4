// Package review checks tailored SQL against the question it must answer and
// drives the bounded review and revise loop.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

const reviewerTemperature = 0.1

// Verdict is the reviewer's judgement of one candidate SQL.
type Verdict struct {
	IsValid      bool     `json:"is_valid"`
	Issues       []string `json:"issues"`
	Suggestions  []string `json:"suggestions"`
	Explanation  string   `json:"explanation"`
	CorrectedSQL string   `json:"corrected_sql,omitempty"`
}

type rawVerdict struct {
	IsValid      bool     `json:"is_valid"`
	Issues       []string `json:"issues"`
	Suggestions  []string `json:"suggestions"`
	Explanation  string   `json:"explanation"`
	CorrectedSQL *string  `json:"corrected_sql"`
}

// failureVerdict is what a review that could not run amounts to.
func failureVerdict(err error) Verdict {
	return Verdict{
		IsValid:     false,
		Issues:      []string{"Failed to complete SQL review due to an error."},
		Suggestions: []string{"Please check the SQL manually for any issues."},
		Explanation: fmt.Sprintf("Review process encountered an error: %v", err),
	}
}

// Input is what stays fixed across the iterations of one review.
type Input struct {
	OriginalSQL      string
	Question         string
	EnhancedQuestion string
	Template         *templates.Template
	Plan             tailoring.Plan
}

// Reviewer asks the model to judge a candidate.
type Reviewer struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewReviewer creates a Reviewer.
func NewReviewer(gen llm.Generator, lib *prompts.Library) *Reviewer {
	return &Reviewer{gen: gen, prompts: lib}
}

// Review judges candidate. It never fails: provider and parse errors yield
// an invalid verdict asking for a manual check.
func (r *Reviewer) Review(ctx context.Context, in Input, candidate string) Verdict {
	data := prompts.ReviewData{
		OriginalSQL:      in.OriginalSQL,
		ModifiedSQL:      candidate,
		Question:         in.Question,
		EnhancedQuestion: in.EnhancedQuestion,
		Instructions:     planText(in),
	}
	if in.Template != nil {
		data.Explanation = in.Template.Explanation
		data.TablesUsed = strings.Join(in.Template.TablesUsed, ", ")
	}

	system, user, err := r.prompts.Render(ctx, prompts.Review, data)
	if err != nil {
		return failureVerdict(err)
	}
	raw, err := r.gen.GenerateStructured(ctx, user, system, reviewerTemperature)
	if err != nil {
		slog.Warn("review: reviewer call failed", "error", err)
		return failureVerdict(err)
	}
	var rv rawVerdict
	if err := llm.Decode(raw, &rv); err != nil {
		slog.Warn("review: reviewer output malformed", "error", err)
		return failureVerdict(err)
	}

	v := Verdict{
		IsValid:     rv.IsValid,
		Issues:      rv.Issues,
		Suggestions: rv.Suggestions,
		Explanation: rv.Explanation,
	}
	if rv.CorrectedSQL != nil {
		v.CorrectedSQL = llm.StripFences(*rv.CorrectedSQL)
	}
	return v
}

// planText combines the template's tailoring instructions with the
// modifications that were applied.
func planText(in Input) string {
	var parts []string
	if in.Template != nil && strings.TrimSpace(in.Template.Instructions) != "" {
		parts = append(parts, in.Template.Instructions)
	}
	for _, m := range in.Plan.Modifications {
		parts = append(parts, fmt.Sprintf("- [%s] %s", m.Type, m.Description))
	}
	return strings.Join(parts, "\n")
}
