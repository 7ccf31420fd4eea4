// Package fallback generates SQL straight from the schema when no verified
// template matches a question.
package fallback

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/prompts"
)

const temperature = 0.1

// Result is the generated query. All fields are empty when generation
// failed.
type Result struct {
	SQL         string `json:"sql_query"`
	Explanation string `json:"query_explanation"`
	Answer      string `json:"answer"`
}

// Empty reports whether no SQL was produced.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.SQL) == ""
}

// Generator produces unconstrained SQL.
type Generator struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// New creates a Generator.
func New(gen llm.Generator, lib *prompts.Library) *Generator {
	return &Generator{gen: gen, prompts: lib}
}

// Generate asks the model for SQL answering question against schema. When
// the model's JSON cannot be parsed, a ```sql block in its raw text is used.
func (g *Generator) Generate(ctx context.Context, question, schema string) Result {
	system, user, err := g.prompts.Render(ctx, prompts.Fallback, prompts.FallbackData{
		Schema:   schema,
		Question: question,
	})
	if err != nil {
		slog.Warn("fallback: rendering prompt failed", "error", err)
		return Result{}
	}

	raw, err := g.gen.GenerateStructured(ctx, user, system, temperature)
	if err != nil {
		slog.Warn("fallback: generation failed", "error", err)
		return Result{}
	}

	var res Result
	if err := llm.Decode(raw, &res); err != nil {
		text := llm.RawResponse(raw)
		if sql, ok := llm.ExtractSQLBlock(text); ok {
			slog.Debug("fallback: salvaged SQL from unparseable response")
			return Result{SQL: sql}
		}
		slog.Warn("fallback: response unusable", "error", err)
		return Result{}
	}
	res.SQL = llm.StripFences(res.SQL)
	return res
}
