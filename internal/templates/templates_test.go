package templates

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	templates map[string]*Template
	gets      int
	upserts   int
}

func newMemStore(ts ...Template) *memStore {
	m := &memStore{templates: make(map[string]*Template)}
	for i := range ts {
		t := ts[i]
		m.templates[t.ID] = &t
	}
	return m
}

func (m *memStore) Get(_ context.Context, id string) (*Template, error) {
	m.gets++
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Questions = append([]Question(nil), t.Questions...)
	return &cp, nil
}

func (m *memStore) List(context.Context) ([]Template, error) {
	var out []Template
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SearchBySimilarity(context.Context, []float32, int) ([]SearchHit, error) {
	return nil, nil
}

func (m *memStore) Upsert(_ context.Context, t *Template) error {
	m.upserts++
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	if _, ok := m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

func (m *memStore) ListFollowUps(_ context.Context, id string) ([]string, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, nil
	}
	return t.FollowUps, nil
}

type countingEmbedder struct {
	dim   int
	texts []string
	err   error
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.texts = append(e.texts, texts...)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, e.dim)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    Template
		wantErr string
	}{
		{"ok", Template{ID: "q1", Name: "n", SQL: "SELECT 1", Questions: []Question{{Text: "a"}}}, ""},
		{"missing id", Template{Name: "n", SQL: "SELECT 1", Questions: []Question{{Text: "a"}}}, "id is required"},
		{"missing sql", Template{ID: "q1", Name: "n", Questions: []Question{{Text: "a"}}}, "sql is required"},
		{"no questions", Template{ID: "q1", Name: "n", SQL: "SELECT 1"}, "at least one question"},
		{"blank question", Template{ID: "q1", Name: "n", SQL: "SELECT 1", Questions: []Question{{Text: " "}}}, "question 0 is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tmpl.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalize_DropsSelfAndDuplicateFollowUps(t *testing.T) {
	now := time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC)
	tmpl := Template{ID: "q1", FollowUps: []string{"q2", "q1", "q2", " ", "q3"}}
	tmpl.Normalize(now)

	assert.Equal(t, []string{"q2", "q3"}, tmpl.FollowUps)
	assert.Equal(t, DefaultVerifiedBy, tmpl.VerifiedBy)
	assert.Equal(t, now, tmpl.VerifiedAt)
	assert.NotNil(t, tmpl.TablesUsed)
}

const sampleYAML = `
verified_queries:
  - id: q1
    name: Premium by agency
    query_explanation: Total written premium per agency.
    sql: |
      SELECT agency_name, SUM(premium) AS total_premium
      FROM policies GROUP BY agency_name
    instructions: Filter on policy_year when a year is given.
    tables_used: [policies]
    questions:
      - total premium by agency
      - premium per agency
    follow_up: [q2, q9]
    verified_at: "2025-01-15 09:30:00"
    verified_by: jane
  - id: q2
    name: Claims by agency
    query_explanation: Claim counts per agency.
    sql: SELECT agency_name, COUNT(*) FROM claims GROUP BY agency_name
    tables_used: claims
    questions: how many claims per agency
    verified_at: 3 March 2024
`

func TestParseYAML(t *testing.T) {
	now := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	got, err := ParseYAML(strings.NewReader(sampleYAML), nil, now)
	require.NoError(t, err)
	require.Len(t, got, 2)

	q1 := got[0]
	assert.Equal(t, "q1", q1.ID)
	assert.Equal(t, []string{"total premium by agency", "premium per agency"}, q1.QuestionTexts())
	assert.Equal(t, []string{"q2", "q9"}, q1.FollowUps)
	assert.Equal(t, []string{"policies"}, q1.TablesUsed)
	assert.Equal(t, "jane", q1.VerifiedBy)
	assert.Equal(t, time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC), q1.VerifiedAt)

	q2 := got[1]
	assert.Equal(t, []string{"claims"}, q2.TablesUsed)
	assert.Equal(t, []string{"how many claims per agency"}, q2.QuestionTexts())
	assert.Equal(t, DefaultVerifiedBy, q2.VerifiedBy)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), q2.VerifiedAt)
}

func TestParseYAML_BadVerifiedAtFallsBackToNow(t *testing.T) {
	now := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	doc := "verified_queries:\n  - id: q1\n    name: n\n    sql: SELECT 1\n    questions: [a]\n    verified_at: yesterday\n"
	got, err := ParseYAML(strings.NewReader(doc), nil, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, now, got[0].VerifiedAt)
}

func TestParseYAML_InvalidTemplate(t *testing.T) {
	doc := "verified_queries:\n  - id: q1\n    name: n\n    questions: [a]\n"
	_, err := ParseYAML(strings.NewReader(doc), nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verified_queries[0]")
}

func TestMarshalYAML_RoundTrips(t *testing.T) {
	now := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	parsed, err := ParseYAML(strings.NewReader(sampleYAML), nil, now)
	require.NoError(t, err)

	out, err := MarshalYAML(parsed)
	require.NoError(t, err)

	again, err := ParseYAML(strings.NewReader(string(out)), nil, now)
	require.NoError(t, err)
	assert.Equal(t, parsed, again)
}

func TestFollowUps_SkipsDanglingTargets(t *testing.T) {
	store := newMemStore(
		Template{ID: "q1", FollowUps: []string{"q2", "gone"}},
		Template{ID: "q2", Name: "second"},
	)
	got, err := FollowUps(context.Background(), store, "q1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "q2", got[0].ID)
}

func TestWalk_TerminatesOnCycles(t *testing.T) {
	store := newMemStore(
		Template{ID: "a", FollowUps: []string{"b"}},
		Template{ID: "b", FollowUps: []string{"c", "a"}},
		Template{ID: "c", FollowUps: []string{"a", "b"}},
	)

	depths := map[string]int{}
	err := Walk(context.Background(), store, "a", 10, func(tmpl *Template, depth int) bool {
		depths[tmpl.ID] = depth
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 2}, depths)
}

func TestWalk_RespectsDepthAndPrune(t *testing.T) {
	store := newMemStore(
		Template{ID: "a", FollowUps: []string{"b", "x"}},
		Template{ID: "b", FollowUps: []string{"c"}},
		Template{ID: "x", FollowUps: []string{"y"}},
		Template{ID: "c"},
		Template{ID: "y"},
	)

	var seen []string
	err := Walk(context.Background(), store, "a", 2, func(tmpl *Template, depth int) bool {
		seen = append(seen, tmpl.ID)
		return tmpl.ID != "x"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "x", "c"}, seen)
}

func TestWalk_StopsOnCancelledContext(t *testing.T) {
	store := newMemStore(Template{ID: "a", FollowUps: []string{"b"}}, Template{ID: "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Walk(ctx, store, "a", 3, func(*Template, int) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}

func newTemplate(id string, questions ...string) *Template {
	t := &Template{ID: id, Name: id, SQL: "SELECT 1"}
	for _, q := range questions {
		t.Questions = append(t.Questions, Question{Text: q})
	}
	return t
}

func TestRegistrySave_EmbedsAllQuestionsOfNewTemplate(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedder{dim: 4}
	reg := NewRegistry(store, emb, 4)

	err := reg.Save(context.Background(), newTemplate("q1", "one", "two"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, emb.texts)

	stored := store.templates["q1"]
	require.True(t, stored.Embedded(4))
	assert.Equal(t, DefaultVerifiedBy, stored.VerifiedBy)
}

func TestRegistrySave_ReusesEmbeddingsOfUnchangedQuestions(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedder{dim: 4}
	reg := NewRegistry(store, emb, 4)
	ctx := context.Background()

	require.NoError(t, reg.Save(ctx, newTemplate("q1", "one", "two")))
	emb.texts = nil

	require.NoError(t, reg.Save(ctx, newTemplate("q1", "one", "three")))
	assert.Equal(t, []string{"three"}, emb.texts)
}

func TestRegistryReembed_RecomputesEverything(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedder{dim: 4}
	reg := NewRegistry(store, emb, 4)
	ctx := context.Background()

	require.NoError(t, reg.Save(ctx, newTemplate("q1", "one", "two")))
	emb.texts = nil

	require.NoError(t, reg.Reembed(ctx, "q1"))
	assert.Equal(t, []string{"one", "two"}, emb.texts)
}

func TestRegistrySave_EmbeddingFailureLeavesStoreUntouched(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedder{dim: 4, err: errors.New("ollama down")}
	reg := NewRegistry(store, emb, 4)

	err := reg.Save(context.Background(), newTemplate("q1", "one"))
	require.Error(t, err)
	assert.Equal(t, 0, store.upserts)
}

func TestRegistrySave_RejectsWrongDimension(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, &countingEmbedder{dim: 3}, 4)

	err := reg.Save(context.Background(), newTemplate("q1", "one"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4 dimensions")
	assert.Equal(t, 0, store.upserts)
}
