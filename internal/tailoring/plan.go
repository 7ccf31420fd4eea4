// Package tailoring adapts a verified template to the question at hand: the
// Advisor decides what must change and the Modifier rewrites the SQL.
package tailoring

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrInvalidArgument is returned for an empty template, question or SQL.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrModifyFailed wraps any failure to produce modified SQL.
	ErrModifyFailed = errors.New("modifying SQL failed")
)

// Modification types proposed by the advisor or derived from a review.
const (
	TypeFilter    = "filter"
	TypeColumn    = "column"
	TypeGrouping  = "grouping"
	TypeSorting   = "sorting"
	TypeReviewFix = "review_fix"
)

// Modification is one change to apply to a template's SQL.
type Modification struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	SQLImpact   string `json:"sql_impact"`
}

// Plan is the advisor's verdict on whether and how to tailor a template.
type Plan struct {
	ModificationsNeeded bool           `json:"modifications_needed"`
	Modifications       []Modification `json:"modifications"`
	Explanation         string         `json:"explanation"`
}

// Empty reports whether applying p would change nothing.
func (p Plan) Empty() bool {
	for _, m := range p.Modifications {
		if strings.TrimSpace(m.Description) != "" || strings.TrimSpace(m.SQLImpact) != "" {
			return false
		}
	}
	return true
}

// instructions renders the modifications for the modify prompt.
func (p Plan) instructions() string {
	b, _ := json.MarshalIndent(p.Modifications, "", "  ")
	return string(b)
}
