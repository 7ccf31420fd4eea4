package prompts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/storage"
)

type memOverrides struct {
	bodies map[string]string
	gets   int
	getErr error
}

func newMemOverrides() *memOverrides {
	return &memOverrides{bodies: make(map[string]string)}
}

func (m *memOverrides) GetPrompt(_ context.Context, id string) (storage.PromptOverride, error) {
	m.gets++
	if m.getErr != nil {
		return storage.PromptOverride{}, m.getErr
	}
	b, ok := m.bodies[id]
	if !ok {
		return storage.PromptOverride{}, storage.ErrNotFound
	}
	return storage.PromptOverride{ID: id, Body: b, UpdatedAt: time.Now()}, nil
}

func (m *memOverrides) SetPrompt(_ context.Context, id, body string) error {
	m.bodies[id] = body
	return nil
}

func (m *memOverrides) DeletePrompt(_ context.Context, id string) error {
	if _, ok := m.bodies[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.bodies, id)
	return nil
}

func TestBuiltInPromptsAllParse(t *testing.T) {
	l, err := NewLibrary(nil, 0)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{Clarify, Enhance, Fallback, Modify, Narrative, Recommend, Review, SelectBest},
		l.IDs())
}

func TestRender_SelectBest(t *testing.T) {
	l := MustLibrary()
	sys, user, err := l.Render(context.Background(), SelectBest, SelectBestData{
		Question: "premium by agency",
		Candidates: []SelectCandidate{
			{Index: 1, Name: "Premium", Explanation: "sum", MatchedQuestion: "total premium"},
			{Index: 2, Name: "Claims", Explanation: "count", MatchedQuestion: "claims per agency"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sys, "matching user questions with verified SQL queries")
	assert.Contains(t, user, "User Question: premium by agency")
	assert.Contains(t, user, "Candidate 2:\nName: Claims")
	assert.Contains(t, user, "best_match_index")
}

func TestRender_RecommendDefaultsMissingContext(t *testing.T) {
	l := MustLibrary()
	_, user, err := l.Render(context.Background(), Recommend, RecommendData{
		SQL:           "SELECT 1",
		QuestionsJSON: `["a"]`,
		Question:      "q",
	})
	require.NoError(t, err)
	assert.Contains(t, user, "Calendar Information: None")
	assert.Contains(t, user, "Do not add predicates with placeholders unresolved.")
}

func TestRender_ReviewUsesQuestionWhenNotEnhanced(t *testing.T) {
	l := MustLibrary()
	_, user, err := l.Render(context.Background(), Review, ReviewData{
		OriginalSQL: "SELECT 1",
		ModifiedSQL: "SELECT 2",
		Question:    "how many",
	})
	require.NoError(t, err)
	assert.Contains(t, user, "Enhanced User Question: how many")
	assert.Contains(t, user, "```sql\nSELECT 2\n```")
}

func TestRender_UnknownID(t *testing.T) {
	_, _, err := MustLibrary().Render(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPrompt)
}

func TestOverride_IsServedAndCached(t *testing.T) {
	store := newMemOverrides()
	store.bodies[Modify] = `{{define "system"}}custom{{end}}{{define "user"}}fix: {{.SQL}}{{end}}`
	l, err := NewLibrary(store, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sys, user, err := l.Render(context.Background(), Modify, ModifyData{SQL: "SELECT 1"})
		require.NoError(t, err)
		assert.Equal(t, "custom", sys)
		assert.Equal(t, "fix: SELECT 1", user)
	}
	assert.Equal(t, 1, store.gets)
}

func TestOverride_RenderFailureFallsBack(t *testing.T) {
	store := newMemOverrides()
	store.bodies[Modify] = `{{define "system"}}{{.Missing}}{{end}}{{define "user"}}x{{end}}`
	l, err := NewLibrary(store, time.Minute)
	require.NoError(t, err)

	sys, _, err := l.Render(context.Background(), Modify, ModifyData{SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Contains(t, sys, "expert SQL developer")
}

func TestOverride_StoreErrorUsesDefault(t *testing.T) {
	store := newMemOverrides()
	store.getErr = errors.New("disk gone")
	l, err := NewLibrary(store, time.Minute)
	require.NoError(t, err)

	p, err := l.Effective(context.Background(), Fallback)
	require.NoError(t, err)
	assert.False(t, p.Overridden)
	assert.Contains(t, p.Body, "Database Schema:")
}

func TestSet_ValidatesAndInvalidates(t *testing.T) {
	store := newMemOverrides()
	l, err := NewLibrary(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := l.Effective(ctx, Narrative)
	require.NoError(t, err)
	assert.False(t, p.Overridden)

	err = l.Set(ctx, Narrative, `{{define "system"}}only system{{end}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"user"`)

	err = l.Set(ctx, Narrative, `{{define "system"}}s{{end}}{{define "user"}}{{.Question}}{{end}}`)
	require.NoError(t, err)

	p, err = l.Effective(ctx, Narrative)
	require.NoError(t, err)
	assert.True(t, p.Overridden)

	require.NoError(t, l.Reset(ctx, Narrative))
	p, err = l.Effective(ctx, Narrative)
	require.NoError(t, err)
	assert.False(t, p.Overridden)

	assert.ErrorIs(t, l.Reset(ctx, Narrative), storage.ErrNotFound)
}

func TestSet_UnknownID(t *testing.T) {
	l, err := NewLibrary(newMemOverrides(), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Set(context.Background(), "nope", "x"), ErrUnknownPrompt)
}
