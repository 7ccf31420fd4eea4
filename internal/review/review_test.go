package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

// scriptedGenerator returns responses in order and repeats the last one.
type scriptedGenerator struct {
	responses []string
	err       error
	prompts   []string
}

func (g *scriptedGenerator) GenerateText(context.Context, string, string, float64) (string, error) {
	return "", errors.New("unexpected GenerateText")
}

func (g *scriptedGenerator) GenerateStructured(_ context.Context, prompt, _ string, _ float64) (json.RawMessage, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return nil, g.err
	}
	i := len(g.prompts) - 1
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return json.RawMessage(g.responses[i]), nil
}

type fakeModifier struct {
	applyFn func(sql string, plan tailoring.Plan) (string, error)
	plans   []tailoring.Plan
}

func (m *fakeModifier) Apply(_ context.Context, sql string, plan tailoring.Plan) (string, error) {
	m.plans = append(m.plans, plan)
	if m.applyFn == nil {
		return sql, nil
	}
	return m.applyFn(sql, plan)
}

var tmpl = &templates.Template{
	ID:           "q2",
	SQL:          "SELECT agency, SUM(premium) FROM policies WHERE year = 2023 GROUP BY agency",
	Explanation:  "Premium per agency for one year.",
	Instructions: "Change the year as requested.",
	TablesUsed:   []string{"policies"},
}

func input() Input {
	return Input{OriginalSQL: tmpl.SQL, Question: "premium by agency for 2022", Template: tmpl}
}

func newMachine(gen *scriptedGenerator, mod *fakeModifier, candidate string, opts Options) *Machine {
	return NewMachine(NewReviewer(gen, prompts.MustLibrary()), mod, input(), candidate, opts)
}

const invalidWithSuggestion = `{"is_valid": false, "issues": ["no grouping"], "suggestions": ["add missing GROUP BY"], "corrected_sql": null}`

func TestRun_ValidFirstReview(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"is_valid": true, "issues": [], "suggestions": []}`}}
	mod := &fakeModifier{}

	out, err := newMachine(gen, mod, "SELECT 2022", Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, out.State)
	assert.True(t, out.IsValid)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, "SELECT 2022", out.SQL)
	assert.Empty(t, mod.plans)
}

func TestRun_IterationBound(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{invalidWithSuggestion}}
	n := 0
	mod := &fakeModifier{applyFn: func(sql string, _ tailoring.Plan) (string, error) {
		n++
		return fmt.Sprintf("SELECT %d", n), nil
	}}

	var progress []string
	out, err := newMachine(gen, mod, "SELECT 0", Options{}).Run(context.Background(), func(_ int, msg string) {
		progress = append(progress, msg)
	})
	require.NoError(t, err)

	assert.Equal(t, MaxIterationsReached, out.State)
	assert.True(t, out.MaxIterationsReached)
	assert.False(t, out.IsValid)
	assert.Equal(t, MaxIterations, out.Iterations)
	assert.Len(t, gen.prompts, MaxIterations)
	assert.Len(t, mod.plans, MaxIterations-1)
	assert.Equal(t, "SELECT 2", out.SQL)
	assert.Equal(t, []string{
		"reviewing SQL, iteration 1 of 3",
		"reviewing SQL, iteration 2 of 3",
		"reviewing SQL, iteration 3 of 3",
	}, progress)

	for _, p := range mod.plans {
		require.Len(t, p.Modifications, 1)
		assert.Equal(t, tailoring.TypeReviewFix, p.Modifications[0].Type)
		assert.Equal(t, "add missing GROUP BY", p.Modifications[0].Description)
	}
}

func TestRun_CorrectedSQLShortCircuits(t *testing.T) {
	for k := 0; k < MaxIterations-1; k++ {
		t.Run(fmt.Sprintf("iteration %d", k), func(t *testing.T) {
			responses := make([]string, 0, k+1)
			for i := 0; i < k; i++ {
				responses = append(responses, invalidWithSuggestion)
			}
			responses = append(responses, `{"is_valid": false, "issues": ["wrong year"], "suggestions": [], "corrected_sql": "SELECT fixed"}`)
			gen := &scriptedGenerator{responses: responses}

			out, err := newMachine(gen, &fakeModifier{}, "SELECT 0", Options{}).Run(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, Corrected, out.State)
			assert.True(t, out.IsValid)
			assert.True(t, out.Corrected)
			assert.Equal(t, "SELECT fixed", out.SQL)
			assert.Equal(t, k+1, out.Iterations)
			assert.Len(t, gen.prompts, k+1)
		})
	}
}

func TestRun_RecheckCorrections(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		`{"is_valid": false, "corrected_sql": "SELECT fixed"}`,
		`{"is_valid": true}`,
	}}
	out, err := newMachine(gen, &fakeModifier{}, "SELECT 0", Options{RecheckCorrections: true}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, out.State)
	assert.True(t, out.Corrected)
	assert.Equal(t, 2, out.Iterations)
	assert.Contains(t, gen.prompts[1], "SELECT fixed")
}

func TestRun_FixThenInvalidWithoutSuggestionsHitsBound(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		invalidWithSuggestion,
		`{"is_valid": false, "issues": ["still wrong"], "suggestions": []}`,
	}}
	mod := &fakeModifier{applyFn: func(sql string, plan tailoring.Plan) (string, error) {
		if len(plan.Modifications) == 0 {
			return sql, nil
		}
		return sql + " GROUP BY agency", nil
	}}

	out, err := newMachine(gen, mod, "SELECT agency, SUM(premium) FROM policies", Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, out.MaxIterationsReached)
	assert.Equal(t, MaxIterations, out.Iterations)
	assert.Equal(t, "SELECT agency, SUM(premium) FROM policies GROUP BY agency", out.SQL)
}

func TestRun_ReviewerFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("provider down")}
	mod := &fakeModifier{applyFn: func(string, tailoring.Plan) (string, error) {
		return "", fmt.Errorf("%w: provider down", tailoring.ErrModifyFailed)
	}}

	out, err := newMachine(gen, mod, "SELECT 1", Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, out.MaxIterationsReached)
	assert.Equal(t, "SELECT 1", out.SQL)
	require.NotEmpty(t, out.Verdicts)
	v := out.Verdicts[0]
	assert.False(t, v.IsValid)
	assert.Equal(t, []string{"Failed to complete SQL review due to an error."}, v.Issues)
	assert.Equal(t, []string{"Please check the SQL manually for any issues."}, v.Suggestions)
}

func TestRun_MalformedVerdictIsFailure(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"error":"Failed to parse JSON","raw_response":"looks fine"}`}}
	out, err := newMachine(gen, &fakeModifier{}, "SELECT 1", Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, out.IsValid)
	assert.Equal(t, "Failed to complete SQL review due to an error.", out.Verdicts[0].Issues[0])
}

func TestNewMachine_EmptyCandidateUsesOriginal(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"is_valid": true}`}}
	out, err := newMachine(gen, &fakeModifier{}, "  ", Options{}).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, tmpl.SQL, out.SQL)
}

func TestStep_Manual(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{invalidWithSuggestion, `{"is_valid": true}`}}
	m := newMachine(gen, &fakeModifier{}, "SELECT 1", Options{})
	ctx := context.Background()

	require.NoError(t, m.Step(ctx))
	assert.Equal(t, NeedsRevision, m.State)
	assert.Equal(t, 0, m.Iteration)

	require.NoError(t, m.Step(ctx))
	assert.Equal(t, PendingReview, m.State)
	assert.Equal(t, 1, m.Iteration)

	require.NoError(t, m.Step(ctx))
	assert.Equal(t, Valid, m.State)

	require.NoError(t, m.Step(ctx))
	assert.Equal(t, Valid, m.State)
	assert.Len(t, gen.prompts, 2)
}

func TestRun_Cancelled(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"is_valid": true}`}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newMachine(gen, &fakeModifier{}, "SELECT 1", Options{}).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gen.prompts)
}

func TestReviewer_PromptCarriesContext(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{`{"is_valid": true, "corrected_sql": "` + "```sql\\nSELECT 1\\n```" + `"}`}}
	in := input()
	in.EnhancedQuestion = "total premium by agency for policy year 2022"
	in.Plan = tailoring.Plan{Modifications: []tailoring.Modification{{Type: "filter", Description: "year 2022"}}}

	v := NewReviewer(gen, prompts.MustLibrary()).Review(context.Background(), in, "SELECT 2022")
	assert.True(t, v.IsValid)
	assert.Equal(t, "SELECT 1", v.CorrectedSQL)

	p := gen.prompts[0]
	assert.Contains(t, p, "Tables Used: policies")
	assert.Contains(t, p, "Enhanced User Question: total premium by agency for policy year 2022")
	assert.Contains(t, p, "- [filter] year 2022")
	assert.Contains(t, p, "Change the year as requested.")
}
