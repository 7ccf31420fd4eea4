package tailoring

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/prompts"
)

// Modifier rewrites SQL according to a Plan.
type Modifier struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewModifier creates a Modifier.
func NewModifier(gen llm.Generator, lib *prompts.Library) *Modifier {
	return &Modifier{gen: gen, prompts: lib}
}

// Apply returns sql with plan applied. An empty plan returns sql unchanged
// without calling the model. On failure the original sql is returned
// together with an error wrapping ErrModifyFailed, so callers always have
// SQL to continue with.
func (m *Modifier) Apply(ctx context.Context, sql string, plan Plan) (string, error) {
	if plan.Empty() {
		return sql, nil
	}
	if strings.TrimSpace(sql) == "" {
		return sql, fmt.Errorf("tailoring: modify: empty sql: %w", ErrInvalidArgument)
	}

	system, user, err := m.prompts.Render(ctx, prompts.Modify, prompts.ModifyData{
		SQL:           sql,
		Modifications: plan.instructions(),
	})
	if err != nil {
		return sql, fmt.Errorf("%w: rendering prompt: %w", ErrModifyFailed, err)
	}

	out, err := m.gen.GenerateText(ctx, user, system, 0)
	if err != nil {
		return sql, fmt.Errorf("%w: %w", ErrModifyFailed, err)
	}
	out = llm.StripFences(out)
	if out == "" {
		return sql, fmt.Errorf("%w: model returned no SQL", ErrModifyFailed)
	}
	return out, nil
}
