package tailoring

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/templates"
)

type fakeGenerator struct {
	textFn       func(prompt, system string, temperature float64) (string, error)
	structuredFn func(prompt, system string, temperature float64) (json.RawMessage, error)
	calls        int
}

func (g *fakeGenerator) GenerateText(_ context.Context, prompt, system string, temperature float64) (string, error) {
	g.calls++
	if g.textFn == nil {
		return "", errors.New("unexpected GenerateText")
	}
	return g.textFn(prompt, system, temperature)
}

func (g *fakeGenerator) GenerateStructured(_ context.Context, prompt, system string, temperature float64) (json.RawMessage, error) {
	g.calls++
	if g.structuredFn == nil {
		return nil, errors.New("unexpected GenerateStructured")
	}
	return g.structuredFn(prompt, system, temperature)
}

var q2 = &templates.Template{
	ID:           "q2",
	Name:         "Premium by year",
	SQL:          "SELECT SUM(premium) FROM policies WHERE year = 2023",
	Explanation:  "Total premium for a policy year.",
	Instructions: "Change the year filter to the requested year.",
	Questions:    []templates.Question{{Text: "total premium in 2023"}},
}

var rc = profile.Context{Calendar: "Current date: 2025-04-30", UserProfile: "Region: Northeast"}

// --- Modifier ---

func TestApply_EmptyPlanIsNoOp(t *testing.T) {
	gen := &fakeGenerator{}
	m := NewModifier(gen, prompts.MustLibrary())

	for _, sql := range []string{"SELECT 1", "select *\nfrom t\nwhere x = 'a'", q2.SQL} {
		for _, plan := range []Plan{
			{},
			{ModificationsNeeded: true},
			{Modifications: []Modification{{Type: TypeFilter, Description: "  "}}},
		} {
			got, err := m.Apply(context.Background(), sql, plan)
			require.NoError(t, err)
			assert.Equal(t, sql, got)
		}
	}
	assert.Zero(t, gen.calls)
}

func TestApply_RewritesAndStripsFences(t *testing.T) {
	var gotPrompt string
	var gotTemp float64 = -1
	gen := &fakeGenerator{textFn: func(prompt, _ string, temp float64) (string, error) {
		gotPrompt, gotTemp = prompt, temp
		return "```sql\nSELECT SUM(premium) FROM policies WHERE year = 2022\n```", nil
	}}
	m := NewModifier(gen, prompts.MustLibrary())

	plan := Plan{ModificationsNeeded: true, Modifications: []Modification{
		{Type: TypeFilter, Description: "change year 2023 to 2022", SQLImpact: "WHERE year = 2022"},
	}}
	got, err := m.Apply(context.Background(), q2.SQL, plan)
	require.NoError(t, err)
	assert.Equal(t, "SELECT SUM(premium) FROM policies WHERE year = 2022", got)
	assert.Equal(t, 0.0, gotTemp)
	assert.Contains(t, gotPrompt, "change year 2023 to 2022")
	assert.Contains(t, gotPrompt, "Maintain quote style and capitalization")
}

func TestApply_FailureReturnsOriginal(t *testing.T) {
	plan := Plan{Modifications: []Modification{{Type: TypeReviewFix, Description: "add GROUP BY"}}}
	tests := map[string]func(string, string, float64) (string, error){
		"provider": func(string, string, float64) (string, error) { return "", errors.New("timeout") },
		"blank":    func(string, string, float64) (string, error) { return "```sql\n```", nil },
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewModifier(&fakeGenerator{textFn: fn}, prompts.MustLibrary())
			got, err := m.Apply(context.Background(), "SELECT 1", plan)
			assert.ErrorIs(t, err, ErrModifyFailed)
			assert.Equal(t, "SELECT 1", got)
		})
	}
}

// --- Advisor ---

func TestRecommend_InvalidArguments(t *testing.T) {
	a := NewAdvisor(&fakeGenerator{}, prompts.MustLibrary())
	ctx := context.Background()

	_, err := a.Recommend(ctx, nil, "q", rc)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.Recommend(ctx, &templates.Template{ID: "x"}, "q", rc)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.Recommend(ctx, q2, " ", rc)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecommend_ParsesPlan(t *testing.T) {
	var gotPrompt string
	var gotTemp float64
	gen := &fakeGenerator{structuredFn: func(prompt, _ string, temp float64) (json.RawMessage, error) {
		gotPrompt, gotTemp = prompt, temp
		return json.RawMessage(`{
			"modifications_needed": true,
			"modifications": [{"type": "filter", "description": "change year 2023 to 2022", "sql_impact": "year = 2022"}],
			"explanation": "user asked for 2022"
		}`), nil
	}}
	a := NewAdvisor(gen, prompts.MustLibrary())

	plan, err := a.Recommend(context.Background(), q2, "total premium for 2022", rc)
	require.NoError(t, err)
	assert.True(t, plan.ModificationsNeeded)
	require.Len(t, plan.Modifications, 1)
	assert.Equal(t, TypeFilter, plan.Modifications[0].Type)
	assert.Equal(t, "user asked for 2022", plan.Explanation)

	assert.Equal(t, 0.1, gotTemp)
	assert.Contains(t, gotPrompt, q2.SQL)
	assert.Contains(t, gotPrompt, `["total premium in 2023"]`)
	assert.Contains(t, gotPrompt, q2.Instructions)
	assert.Contains(t, gotPrompt, "Region: Northeast")
	assert.Contains(t, gotPrompt, "Do not make up table names or columns")
}

func TestRecommend_NotNeededDropsModifications(t *testing.T) {
	gen := &fakeGenerator{structuredFn: func(string, string, float64) (json.RawMessage, error) {
		return json.RawMessage(`{"modifications_needed": false, "modifications": [{"type":"filter","description":"x"}]}`), nil
	}}
	plan, err := NewAdvisor(gen, prompts.MustLibrary()).Recommend(context.Background(), q2, "premium 2023", rc)
	require.NoError(t, err)
	assert.False(t, plan.ModificationsNeeded)
	assert.True(t, plan.Empty())
}

func TestRecommend_FailureYieldsUnchangedPlan(t *testing.T) {
	tests := map[string]func(string, string, float64) (json.RawMessage, error){
		"provider": func(string, string, float64) (json.RawMessage, error) {
			return nil, errors.New("429")
		},
		"malformed": func(string, string, float64) (json.RawMessage, error) {
			return json.RawMessage(`{"error":"Failed to parse JSON","raw_response":"hmm"}`), nil
		},
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			plan, err := NewAdvisor(&fakeGenerator{structuredFn: fn}, prompts.MustLibrary()).
				Recommend(context.Background(), q2, "premium 2022", rc)
			require.NoError(t, err)
			assert.False(t, plan.ModificationsNeeded)
			assert.Empty(t, plan.Modifications)
			assert.NotEmpty(t, plan.Explanation)
		})
	}
}
