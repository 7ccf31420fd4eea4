// Package pipeline answers a question with SQL: it ranks verified templates,
// tailors and reviews the chosen one, or falls back to generating SQL from
// the schema when nothing matches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/querysmith/internal/fallback"
	"github.com/kalambet/querysmith/internal/intent"
	"github.com/kalambet/querysmith/internal/metrics"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/review"
	"github.com/kalambet/querysmith/internal/tailoring"
)

// ErrNoAnswer is returned when no template matched and fallback generation
// produced no SQL.
var ErrNoAnswer = errors.New("no SQL could be produced for the question")

// Source says where the final SQL came from.
type Source string

const (
	SourceVerified    Source = "verified"
	SourceAIGenerated Source = "ai_generated"
)

// Steps reported to a Notifier, in pipeline order.
const (
	StepRanking         = "ranking"
	StepBestQuery       = "best_query"
	StepRecommendations = "recommendations"
	StepModifiedSQL     = "modified_sql"
	StepReview          = "review"
	StepFallback        = "fallback"
	StepResult          = "result"
)

// Event is a progress notification.
type Event struct {
	Step          string `json:"step"`
	Message       string `json:"message,omitempty"`
	Iteration     int    `json:"iteration,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Notifier receives progress events. Notify must not block for long.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// SchemaSource describes the business schema for fallback generation.
type SchemaSource interface {
	DescribeSchema(ctx context.Context) (string, error)
}

// StaticSchema is a fixed schema description.
type StaticSchema string

func (s StaticSchema) DescribeSchema(context.Context) (string, error) { return string(s), nil }

// Request is one question to answer.
type Request struct {
	Question         string          `json:"question"`
	// EnhancedQuestion, when set, is used for tailoring and review instead
	// of Question. Ranking always uses Question.
	EnhancedQuestion string          `json:"enhanced_question,omitempty"`
	TopN             int             `json:"top_n,omitempty"`
	Context          profile.Context `json:"-"`
}

// Result is the pipeline's answer.
type Result struct {
	Source               Source           `json:"source"`
	SQL                  string           `json:"sql"`
	Similarity           float64          `json:"similarity"`
	Confidence           float64          `json:"confidence"`
	ModificationsApplied bool             `json:"modifications_applied"`
	IterationsUsed       int              `json:"iterations_used"`
	IsValid              bool             `json:"is_valid"`
	MaxIterationsReached bool             `json:"max_iterations_reached"`
	Explanation          string           `json:"explanation"`
	TemplateID           string           `json:"template_id,omitempty"`
	TemplateName         string           `json:"template_name,omitempty"`
	Answer               string           `json:"answer,omitempty"`
	EnhancedQuestion     string           `json:"enhanced_question,omitempty"`
	Plan                 *tailoring.Plan  `json:"plan,omitempty"`
	Verdicts             []review.Verdict `json:"verdicts,omitempty"`
}

// Options tunes a Pipeline.
type Options struct {
	TopN               int
	RecheckCorrections bool
	// EnhanceQuestion enhances questions that arrive without an enhanced
	// form. It needs Deps.Enhancer.
	EnhanceQuestion bool
}

// Deps are the stages a Pipeline runs. Enhancer is optional.
type Deps struct {
	Ranker   *ranking.Ranker
	Advisor  *tailoring.Advisor
	Modifier *tailoring.Modifier
	Reviewer *review.Reviewer
	Fallback *fallback.Generator
	Enhancer *intent.Enhancer
	Schema   SchemaSource
}

// Pipeline runs the stages for one request at a time; it holds no
// per-request state and may be shared.
type Pipeline struct {
	deps Deps
	opts Options
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.TopN <= 0 {
		opts.TopN = ranking.DefaultTopN
	}
	if deps.Schema == nil {
		deps.Schema = StaticSchema("")
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Run answers req. Stage failures degrade as each stage defines; Run
// returns an error only for invalid input, cancellation or ErrNoAnswer.
func (p *Pipeline) Run(ctx context.Context, req Request, n Notifier) (Result, error) {
	if n == nil {
		n = NotifierFunc(func(Event) {})
	}
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, fmt.Errorf("pipeline: empty question: %w", tailoring.ErrInvalidArgument)
	}
	topN := req.TopN
	if topN <= 0 {
		topN = p.opts.TopN
	}

	enhanced := req.EnhancedQuestion
	if enhanced == "" && p.opts.EnhanceQuestion && p.deps.Enhancer != nil {
		enhanced = p.deps.Enhancer.Enhance(ctx, req.Question, req.Context)
	}
	tailorQ := enhanced
	if tailorQ == "" {
		tailorQ = req.Question
	}

	n.Notify(Event{Step: StepRanking, Message: "finding matching verified queries"})
	start := time.Now()
	matches, err := p.deps.Ranker.Rank(ctx, req.Question, topN)
	metrics.ObserveStage(StepRanking, start)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		slog.Warn("pipeline: ranking failed, treating as no match", "error", err)
		matches = nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	if best, ok := ranking.Selected(matches); ok {
		res, err = p.tailor(ctx, req, tailorQ, best, n)
	} else {
		res, err = p.generate(ctx, req.Question, n)
	}
	if err != nil {
		return Result{}, err
	}
	res.EnhancedQuestion = enhanced

	metrics.PipelineRequests.WithLabelValues(string(res.Source)).Inc()
	n.Notify(Event{Step: StepResult, Payload: res})
	return res, nil
}

func (p *Pipeline) tailor(ctx context.Context, req Request, question string, best ranking.CandidateMatch, n Notifier) (Result, error) {
	tmpl := best.Template
	n.Notify(Event{Step: StepBestQuery, Message: "found verified query " + tmpl.Name, Payload: best})

	res := Result{
		Source:       SourceVerified,
		SQL:          tmpl.SQL,
		Similarity:   best.Similarity,
		Confidence:   best.Confidence,
		Explanation:  tmpl.Explanation,
		TemplateID:   tmpl.ID,
		TemplateName: tmpl.Name,
		IsValid:      true,
	}

	start := time.Now()
	plan, err := p.deps.Advisor.Recommend(ctx, &tmpl, question, req.Context)
	metrics.ObserveStage(StepRecommendations, start)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res.Plan = &plan
	n.Notify(Event{Step: StepRecommendations, Payload: plan})

	if plan.Empty() {
		return res, nil
	}
	if plan.Explanation != "" {
		res.Explanation = plan.Explanation
	}

	start = time.Now()
	modified, err := p.deps.Modifier.Apply(ctx, tmpl.SQL, plan)
	metrics.ObserveStage(StepModifiedSQL, start)
	if err != nil {
		slog.Warn("pipeline: modification failed, reviewing template SQL", "template", tmpl.ID, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	n.Notify(Event{Step: StepModifiedSQL, Payload: map[string]string{"sql": modified}})

	m := review.NewMachine(p.deps.Reviewer, p.deps.Modifier, review.Input{
		OriginalSQL:      tmpl.SQL,
		Question:         req.Question,
		EnhancedQuestion: question,
		Template:         &tmpl,
		Plan:             plan,
	}, modified, review.Options{RecheckCorrections: p.opts.RecheckCorrections})

	start = time.Now()
	out, err := m.Run(ctx, func(i int, msg string) {
		n.Notify(Event{Step: StepReview, Message: msg, Iteration: i, MaxIterations: review.MaxIterations})
	})
	metrics.ObserveStage(StepReview, start)
	if err != nil {
		return Result{}, err
	}
	metrics.ReviewIterations.Observe(float64(out.Iterations))

	res.SQL = out.SQL
	// Review may rewrite SQL even when the first modification failed.
	res.ModificationsApplied = strings.TrimSpace(out.SQL) != strings.TrimSpace(tmpl.SQL)
	res.IterationsUsed = out.Iterations
	res.IsValid = out.IsValid
	res.MaxIterationsReached = out.MaxIterationsReached
	res.Verdicts = out.Verdicts
	return res, nil
}

func (p *Pipeline) generate(ctx context.Context, question string, n Notifier) (Result, error) {
	n.Notify(Event{Step: StepFallback, Message: "no verified query matched, generating SQL"})

	schema, err := p.deps.Schema.DescribeSchema(ctx)
	if err != nil {
		slog.Warn("pipeline: describing schema failed", "error", err)
	}

	start := time.Now()
	gen := p.deps.Fallback.Generate(ctx, question, schema)
	metrics.ObserveStage(StepFallback, start)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if gen.Empty() {
		return Result{}, ErrNoAnswer
	}
	return Result{
		Source:      SourceAIGenerated,
		SQL:         gen.SQL,
		Explanation: gen.Explanation,
		Answer:      gen.Answer,
	}, nil
}
