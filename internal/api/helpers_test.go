package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/fallback"
	"github.com/kalambet/querysmith/internal/intent"
	"github.com/kalambet/querysmith/internal/narrative"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/review"
	"github.com/kalambet/querysmith/internal/sqlrunner"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

const testToken = "test-token"

const testDim = 4

// --- fakes ---

// constEmbedder maps every text to the same unit vector, so every stored
// question matches with similarity 1.
type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e constEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

// fakeGenerator answers each stage by recognizing its system prompt.
type fakeGenerator struct {
	mu sync.Mutex

	clarify   string
	recommend string
	modify    string
	review    string
	fallback  string
	narrative string

	// block, when set, makes review calls wait until ctx ends.
	block chan struct{}
	once  sync.Once
}

func (g *fakeGenerator) GenerateText(ctx context.Context, _, system string, _ float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case strings.Contains(system, "modify SQL"):
		return g.modify, nil
	case strings.Contains(system, "report writing"):
		return g.narrative, nil
	}
	return "", errors.New("unexpected text prompt")
}

func (g *fakeGenerator) GenerateStructured(ctx context.Context, _, system string, _ float64) (json.RawMessage, error) {
	if strings.Contains(system, "SQL reviewer") && g.block != nil {
		g.once.Do(func() { close(g.block) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case strings.Contains(system, "correct intent interpretation"):
		return json.RawMessage(g.clarify), nil
	case strings.Contains(system, "recommendations for tailoring"):
		return json.RawMessage(g.recommend), nil
	case strings.Contains(system, "SQL reviewer"):
		return json.RawMessage(g.review), nil
	case strings.Contains(system, "generate an optimized SQL query"):
		return json.RawMessage(g.fallback), nil
	}
	return nil, errors.New("unexpected structured prompt")
}

type fakeRunner struct {
	runFn func(ctx context.Context, sql string) (sqlrunner.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, sql string) (sqlrunner.Result, error) {
	return r.runFn(ctx, sql)
}

// --- fixtures ---

var agencyTemplate = templates.Template{
	ID:          "premium_by_agency",
	Name:        "Premium by agency",
	SQL:         "SELECT agency_name, SUM(premium) AS total_premium FROM policies GROUP BY agency_name",
	Explanation: "Total written premium per agency.",
	TablesUsed:  []string{"policies"},
	Questions:   []templates.Question{{Text: "total premium by agency"}},
	FollowUps:   []string{"premium_by_state"},
}

var stateTemplate = templates.Template{
	ID:          "premium_by_state",
	Name:        "Premium by state",
	SQL:         "SELECT state, SUM(premium) FROM policies GROUP BY state",
	Explanation: "Total written premium per state.",
	Questions:   []templates.Question{{Text: "total premium by state"}},
}

const noChanges = `{"modifications_needed": false, "modifications": [], "explanation": "fits"}`

func defaultGenerator() *fakeGenerator {
	return &fakeGenerator{
		clarify:   `[{"text": "What is the total premium per agency?", "explanation": "per agency"}, {"text": "What is the total premium per agency this year?", "explanation": "this year"}]`,
		recommend: noChanges,
		modify:    "SELECT agency_name, SUM(premium) FROM policies WHERE year = 2024 GROUP BY agency_name",
		review:    `{"is_valid": true, "issues": [], "suggestions": [], "explanation": "looks right"}`,
		fallback:  `{"sql_query": "SELECT 1", "query_explanation": "generated", "answer": ""}`,
		narrative: "Agency A wrote the most premium.",
	}
}

// newTestDeps wires real stages over an in-memory store and gen.
func newTestDeps(t *testing.T, gen *fakeGenerator) Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lib, err := prompts.NewLibrary(store, prompts.DefaultCacheTTL)
	require.NoError(t, err)

	emb := constEmbedder{}
	ranker := ranking.NewRanker(emb, store, gen, lib, ranking.Options{})
	advisor := tailoring.NewAdvisor(gen, lib)
	modifier := tailoring.NewModifier(gen, lib)
	reviewer := review.NewReviewer(gen, lib)

	pipe := pipeline.New(pipeline.Deps{
		Ranker:   ranker,
		Advisor:  advisor,
		Modifier: modifier,
		Reviewer: reviewer,
		Fallback: fallback.New(gen, lib),
		Enhancer: intent.NewEnhancer(gen, lib),
		Schema:   pipeline.StaticSchema("TABLE: policies\n  - premium (numeric)"),
	}, pipeline.Options{})

	return Deps{
		Store:     store,
		Templates: store,
		Profile:   profile.NewManager(store),
		Prompts:   lib,
		Pipeline:  pipe,
		Ranker:    ranker,
		Advisor:   advisor,
		Modifier:  modifier,
		Reviewer:  reviewer,
		Clarifier: intent.NewClarifier(gen, lib),
		Narrative: narrative.NewWriter(gen, lib),
		Token:     testToken,
		Options:   Options{TopN: 5, Clarify: true},
	}
}

// seed stores ts with embeddings.
func seed(t *testing.T, deps Deps, ts ...templates.Template) {
	t.Helper()
	reg := templates.NewRegistry(deps.Templates, constEmbedder{}, testDim)
	for i := range ts {
		tmpl := ts[i]
		require.NoError(t, reg.Save(context.Background(), &tmpl))
	}
}

// do issues an authenticated request against h.
func do(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}
