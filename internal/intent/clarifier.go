// Package intent rephrases user questions before matching: the Clarifier
// offers alternative readings of an ambiguous question and the Enhancer
// makes a question explicit using calendar and profile context.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
)

const clarifyTemperature = 0.2

// OriginalExplanation labels the unmodified question in a clarification list.
const OriginalExplanation = "Original question without modification."

// Clarification is one interpretation of a question.
type Clarification struct {
	Text        string `json:"text"`
	Explanation string `json:"explanation"`
}

// Clarifier generates interpretations of a question.
type Clarifier struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewClarifier creates a Clarifier.
func NewClarifier(gen llm.Generator, lib *prompts.Library) *Clarifier {
	return &Clarifier{gen: gen, prompts: lib}
}

// Clarify returns interpretations of question with the original question
// first. On any failure the list holds only the original question.
func (c *Clarifier) Clarify(ctx context.Context, question string, rc profile.Context) []Clarification {
	original := []Clarification{{Text: question, Explanation: OriginalExplanation}}
	if strings.TrimSpace(question) == "" {
		return original
	}

	system, user, err := c.prompts.Render(ctx, prompts.Clarify, prompts.QuestionData{
		Question:    question,
		Calendar:    rc.Calendar,
		UserProfile: rc.UserProfile,
	})
	if err != nil {
		slog.Warn("intent: rendering clarify prompt failed", "error", err)
		return original
	}

	raw, err := c.gen.GenerateStructured(ctx, user, system, clarifyTemperature)
	if err != nil {
		slog.Warn("intent: clarification failed", "error", err)
		return original
	}
	items, ok := decodeClarifications(raw)
	if !ok {
		slog.Warn("intent: clarification output malformed")
		return original
	}
	return withOriginalFirst(question, items)
}

// decodeClarifications accepts a bare array or an object wrapping one, since
// JSON mode on some providers only allows objects at the top level.
func decodeClarifications(raw json.RawMessage) ([]Clarification, bool) {
	var items []Clarification
	if err := llm.Decode(raw, &items); err == nil {
		return items, true
	}
	var wrapped struct {
		Clarifications []Clarification `json:"clarifications"`
	}
	if err := llm.Decode(raw, &wrapped); err == nil && wrapped.Clarifications != nil {
		return wrapped.Clarifications, true
	}
	return nil, false
}

func withOriginalFirst(question string, items []Clarification) []Clarification {
	out := make([]Clarification, 0, len(items)+1)
	var first *Clarification
	for i := range items {
		it := items[i]
		it.Text = strings.TrimSpace(it.Text)
		if it.Text == "" {
			continue
		}
		if first == nil && strings.EqualFold(it.Text, strings.TrimSpace(question)) {
			first = &it
			continue
		}
		out = append(out, it)
	}
	head := Clarification{Text: question, Explanation: OriginalExplanation}
	if first != nil && first.Explanation != "" {
		head.Explanation = first.Explanation
	}
	return append([]Clarification{head}, out...)
}
