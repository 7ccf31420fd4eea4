package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/prompts"
)

type fakeGenerator struct {
	raw    json.RawMessage
	err    error
	prompt string
	temp   float64
}

func (g *fakeGenerator) GenerateText(context.Context, string, string, float64) (string, error) {
	return "", errors.New("unexpected GenerateText")
}

func (g *fakeGenerator) GenerateStructured(_ context.Context, prompt, _ string, temp float64) (json.RawMessage, error) {
	g.prompt, g.temp = prompt, temp
	return g.raw, g.err
}

const schema = "TABLE: policies\n  - agency_name (text)\n  - premium (numeric)"

func TestGenerate(t *testing.T) {
	gen := &fakeGenerator{raw: json.RawMessage(`{
		"query_explanation": "sum premium",
		"sql_query": "SELECT SUM(premium) FROM policies",
		"answer": "The total premium."
	}`)}
	res := New(gen, prompts.MustLibrary()).Generate(context.Background(), "total premium?", schema)

	assert.False(t, res.Empty())
	assert.Equal(t, "SELECT SUM(premium) FROM policies", res.SQL)
	assert.Equal(t, "sum premium", res.Explanation)
	assert.Equal(t, "The total premium.", res.Answer)
	assert.Equal(t, 0.1, gen.temp)
	assert.Contains(t, gen.prompt, "Database Schema:\n"+schema)
	assert.Contains(t, gen.prompt, "total premium?")
}

func TestGenerate_SalvagesSQLBlock(t *testing.T) {
	raw, err := json.Marshal(map[string]string{
		"error":        "Failed to parse JSON",
		"raw_response": "Here you go:\n```sql\nSELECT 1\n```\nthanks",
	})
	require.NoError(t, err)

	res := New(&fakeGenerator{raw: raw}, prompts.MustLibrary()).Generate(context.Background(), "q", schema)
	assert.Equal(t, "SELECT 1", res.SQL)
	assert.Empty(t, res.Explanation)
}

func TestGenerate_EmptyResults(t *testing.T) {
	tests := map[string]*fakeGenerator{
		"provider error": {err: errors.New("down")},
		"no sql block":   {raw: json.RawMessage(`{"error":"Failed to parse JSON","raw_response":"I cannot help"}`)},
		"blank sql":      {raw: json.RawMessage(`{"sql_query": "  ", "answer": "none"}`)},
	}
	for name, gen := range tests {
		t.Run(name, func(t *testing.T) {
			res := New(gen, prompts.MustLibrary()).Generate(context.Background(), "q", schema)
			assert.True(t, res.Empty())
		})
	}
}
