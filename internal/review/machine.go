package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/querysmith/internal/tailoring"
)

// MaxIterations bounds the number of review calls per request.
const MaxIterations = 3

// State is a review loop state.
type State string

const (
	PendingReview        State = "pending_review"
	NeedsRevision        State = "needs_revision"
	Valid                State = "valid"
	Corrected            State = "corrected"
	MaxIterationsReached State = "max_iterations_reached"
)

// Terminal reports whether no further step is possible from s.
func (s State) Terminal() bool {
	return s == Valid || s == Corrected || s == MaxIterationsReached
}

// Modifier applies review fixes to a candidate.
type Modifier interface {
	Apply(ctx context.Context, sql string, plan tailoring.Plan) (string, error)
}

// Options tunes a Machine.
type Options struct {
	// RecheckCorrections sends SQL adopted from corrected_sql back for
	// another review instead of trusting it.
	RecheckCorrections bool
}

// Machine is the review loop for one request. Its exported fields are the
// whole loop state, so a caller may inspect it between steps or step it
// manually.
type Machine struct {
	State State
	// Iteration is the 0-based index of the next (or last) review.
	Iteration int
	SQL       string
	Corrected bool
	Verdicts  []Verdict

	input    Input
	reviewer *Reviewer
	modifier Modifier
	opts     Options
}

// NewMachine starts a loop over candidate. An empty candidate is replaced by
// the original SQL.
func NewMachine(reviewer *Reviewer, modifier Modifier, in Input, candidate string, opts Options) *Machine {
	if strings.TrimSpace(candidate) == "" {
		candidate = in.OriginalSQL
	}
	return &Machine{
		State:    PendingReview,
		SQL:      candidate,
		input:    in,
		reviewer: reviewer,
		modifier: modifier,
		opts:     opts,
	}
}

// Step performs one transition. It is a no-op in a terminal state.
func (m *Machine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch m.State {
	case PendingReview:
		v := m.reviewer.Review(ctx, m.input, m.SQL)
		m.Verdicts = append(m.Verdicts, v)
		switch {
		case v.IsValid:
			m.State = Valid
		case m.Iteration >= MaxIterations-1:
			m.State = MaxIterationsReached
		case v.CorrectedSQL != "":
			m.SQL = v.CorrectedSQL
			m.Corrected = true
			if m.opts.RecheckCorrections {
				m.Iteration++
			} else {
				m.State = Corrected
			}
		default:
			m.State = NeedsRevision
		}

	case NeedsRevision:
		last := m.Verdicts[len(m.Verdicts)-1]
		plan := tailoring.Plan{ModificationsNeeded: len(last.Suggestions) > 0}
		for _, s := range last.Suggestions {
			plan.Modifications = append(plan.Modifications, tailoring.Modification{
				Type:        tailoring.TypeReviewFix,
				Description: s,
			})
		}
		sql, err := m.modifier.Apply(ctx, m.SQL, plan)
		if err != nil {
			slog.Warn("review: applying fixes failed, keeping candidate", "iteration", m.Iteration, "error", err)
		} else if strings.TrimSpace(sql) != "" {
			m.SQL = sql
		}
		m.Iteration++
		m.State = PendingReview

	default:
		if !m.State.Terminal() {
			return fmt.Errorf("review: unknown state %q", m.State)
		}
	}
	return nil
}

// Outcome is the result of a finished loop.
type Outcome struct {
	SQL                  string    `json:"sql"`
	State                State     `json:"state"`
	IsValid              bool      `json:"is_valid"`
	Iterations           int       `json:"iterations"`
	MaxIterationsReached bool      `json:"max_iterations_reached"`
	Corrected            bool      `json:"corrected"`
	Verdicts             []Verdict `json:"verdicts"`
}

// Outcome summarizes the current state.
func (m *Machine) Outcome() Outcome {
	return Outcome{
		SQL:                  m.SQL,
		State:                m.State,
		IsValid:              m.State == Valid || m.State == Corrected,
		Iterations:           len(m.Verdicts),
		MaxIterationsReached: m.State == MaxIterationsReached,
		Corrected:            m.Corrected,
		Verdicts:             m.Verdicts,
	}
}

// ProgressFunc receives a message before each review call. iteration is
// 1-based.
type ProgressFunc func(iteration int, message string)

// ProgressMessage is the text reported before review call i (1-based).
func ProgressMessage(i int) string {
	return fmt.Sprintf("reviewing SQL, iteration %d of %d", i, MaxIterations)
}

// Run steps the machine until it reaches a terminal state or ctx ends.
func (m *Machine) Run(ctx context.Context, progress ProgressFunc) (Outcome, error) {
	for !m.State.Terminal() {
		if m.State == PendingReview && progress != nil {
			progress(m.Iteration+1, ProgressMessage(m.Iteration+1))
		}
		if err := m.Step(ctx); err != nil {
			return m.Outcome(), err
		}
	}
	return m.Outcome(), nil
}
