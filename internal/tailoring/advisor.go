package tailoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/templates"
)

const advisorTemperature = 0.1

// Advisor proposes modifications that make a template answer a question.
type Advisor struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewAdvisor creates an Advisor.
func NewAdvisor(gen llm.Generator, lib *prompts.Library) *Advisor {
	return &Advisor{gen: gen, prompts: lib}
}

// Recommend returns a Plan for tailoring tmpl to question. Provider and
// parse failures are not errors: they yield a plan that leaves the template
// unchanged.
func (a *Advisor) Recommend(ctx context.Context, tmpl *templates.Template, question string, rc profile.Context) (Plan, error) {
	if tmpl == nil || strings.TrimSpace(tmpl.SQL) == "" {
		return Plan{}, fmt.Errorf("tailoring: recommend: empty template: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(question) == "" {
		return Plan{}, fmt.Errorf("tailoring: recommend: empty question: %w", ErrInvalidArgument)
	}

	questions, _ := json.Marshal(tmpl.QuestionTexts())
	system, user, err := a.prompts.Render(ctx, prompts.Recommend, prompts.RecommendData{
		SQL:            tmpl.SQL,
		Explanation:    tmpl.Explanation,
		QuestionsJSON:  string(questions),
		Instructions:   tmpl.Instructions,
		Question:       question,
		Calendar:       rc.Calendar,
		UserProfile:    rc.UserProfile,
		SessionContext: rc.Session,
	})
	if err != nil {
		return unchanged("rendering prompt", err), nil
	}

	raw, err := a.gen.GenerateStructured(ctx, user, system, advisorTemperature)
	if err != nil {
		return unchanged("generating recommendations", err), nil
	}
	var plan Plan
	if err := llm.Decode(raw, &plan); err != nil {
		return unchanged("decoding recommendations", err), nil
	}
	if !plan.ModificationsNeeded {
		plan.Modifications = nil
	}
	return plan, nil
}

func unchanged(op string, err error) Plan {
	slog.Warn("tailoring: advisor failed, keeping template unchanged", "op", op, "error", err)
	return Plan{
		ModificationsNeeded: false,
		Explanation:         fmt.Sprintf("Could not generate recommendations (%s); the verified query is used as is.", op),
	}
}
