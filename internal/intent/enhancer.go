package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
)

// Enhancer rewrites a question to be specific about periods and profile
// references it makes.
type Enhancer struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewEnhancer creates an Enhancer.
func NewEnhancer(gen llm.Generator, lib *prompts.Library) *Enhancer {
	return &Enhancer{gen: gen, prompts: lib}
}

// Enhance returns the enhanced question, or question itself when the model
// fails or answers with nothing.
func (e *Enhancer) Enhance(ctx context.Context, question string, rc profile.Context) string {
	if strings.TrimSpace(question) == "" {
		return question
	}
	system, user, err := e.prompts.Render(ctx, prompts.Enhance, prompts.QuestionData{
		Question:    question,
		Calendar:    rc.Calendar,
		UserProfile: rc.UserProfile,
	})
	if err != nil {
		slog.Warn("intent: rendering enhance prompt failed", "error", err)
		return question
	}

	out, err := e.gen.GenerateText(ctx, user, system, 0)
	if err != nil {
		slog.Warn("intent: enhancement failed", "error", err)
		return question
	}
	out = strings.Trim(strings.TrimSpace(llm.StripFences(out)), `"`)
	if out == "" {
		return question
	}
	return out
}
