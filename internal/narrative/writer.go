// Package narrative turns a query result into a short written answer.
package narrative

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/sqlrunner"
)

// maxRows caps how many result rows are shown to the model.
const maxRows = 50

// Writer writes narrative answers.
type Writer struct {
	gen     llm.Generator
	prompts *prompts.Library
}

// NewWriter creates a Writer.
func NewWriter(gen llm.Generator, lib *prompts.Library) *Writer {
	return &Writer{gen: gen, prompts: lib}
}

// Write answers question from res in one or two sentences, optionally
// followed by a short insight paragraph. It returns "" on failure.
func (w *Writer) Write(ctx context.Context, question string, rc profile.Context, res sqlrunner.Result) string {
	data, err := json.Marshal(records(res))
	if err != nil {
		slog.Warn("narrative: encoding data failed", "error", err)
		return ""
	}
	rcJSON, _ := json.Marshal(rc)

	system, user, err := w.prompts.Render(ctx, prompts.Narrative, prompts.NarrativeData{
		Question: question,
		Data:     string(data),
		Context:  string(rcJSON),
	})
	if err != nil {
		slog.Warn("narrative: rendering prompt failed", "error", err)
		return ""
	}
	out, err := w.gen.GenerateText(ctx, user, system, 0)
	if err != nil {
		slog.Warn("narrative: generation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

// records turns rows into column-keyed objects, capped at maxRows.
func records(res sqlrunner.Result) []map[string]any {
	n := len(res.Rows)
	if n > maxRows {
		n = maxRows
	}
	out := make([]map[string]any, 0, n)
	for _, row := range res.Rows[:n] {
		rec := make(map[string]any, len(res.Columns))
		for i, col := range res.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}
