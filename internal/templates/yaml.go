package templates

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// verifiedAtLayouts are tried in order when parsing verified_at.
var verifiedAtLayouts = []string{
	"2006-01-02 15:04:05",
	"2 January 2006",
	time.RFC3339,
	"2006-01-02",
}

type yamlDocument struct {
	VerifiedQueries []yamlTemplate `yaml:"verified_queries"`
}

type yamlTemplate struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	Explanation  string     `yaml:"query_explanation"`
	SQL          string     `yaml:"sql"`
	Instructions string     `yaml:"instructions"`
	TablesUsed   stringList `yaml:"tables_used"`
	Questions    stringList `yaml:"questions"`
	FollowUp     stringList `yaml:"follow_up"`
	VerifiedAt   string     `yaml:"verified_at"`
	VerifiedBy   string     `yaml:"verified_by"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) == "" {
			*l = nil
			return nil
		}
		*l = stringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list", value.Line)
	}
}

// ParseYAML reads a verified_queries document. Templates are normalized but
// carry no embeddings; callers save them through a Registry. Follow-up ids
// that name neither a template in the document nor one in known are kept and
// reported with a warning, since the target may be imported later.
func ParseYAML(r io.Reader, known map[string]bool, now time.Time) ([]Template, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing templates yaml: %w", err)
	}

	ids := make(map[string]bool, len(doc.VerifiedQueries))
	for _, y := range doc.VerifiedQueries {
		ids[y.ID] = true
	}

	out := make([]Template, 0, len(doc.VerifiedQueries))
	for i, y := range doc.VerifiedQueries {
		t := Template{
			ID:           strings.TrimSpace(y.ID),
			Name:         y.Name,
			SQL:          y.SQL,
			Explanation:  y.Explanation,
			Instructions: y.Instructions,
			TablesUsed:   []string(y.TablesUsed),
			FollowUps:    []string(y.FollowUp),
			VerifiedAt:   parseVerifiedAt(y.VerifiedAt, now),
			VerifiedBy:   y.VerifiedBy,
		}
		for _, q := range y.Questions {
			if q = strings.TrimSpace(q); q != "" {
				t.Questions = append(t.Questions, Question{Text: q})
			}
		}
		t.Normalize(now)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("verified_queries[%d]: %w", i, err)
		}
		for _, target := range t.FollowUps {
			if !ids[target] && !known[target] {
				slog.Warn("templates: follow-up target not found", "source", t.ID, "target", target)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func parseVerifiedAt(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC()
	}
	for _, layout := range verifiedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	slog.Warn("templates: unparseable verified_at, using current time", "value", s)
	return now.UTC()
}

// MarshalYAML renders templates in the import format, so an export can be
// re-imported unchanged.
func MarshalYAML(ts []Template) ([]byte, error) {
	doc := yamlDocument{VerifiedQueries: make([]yamlTemplate, 0, len(ts))}
	for _, t := range ts {
		doc.VerifiedQueries = append(doc.VerifiedQueries, yamlTemplate{
			ID:           t.ID,
			Name:         t.Name,
			Explanation:  t.Explanation,
			SQL:          t.SQL,
			Instructions: t.Instructions,
			TablesUsed:   stringList(t.TablesUsed),
			Questions:    stringList(t.QuestionTexts()),
			FollowUp:     stringList(t.FollowUps),
			VerifiedAt:   t.VerifiedAt.UTC().Format("2006-01-02 15:04:05"),
			VerifiedBy:   t.VerifiedBy,
		})
	}
	return yaml.Marshal(doc)
}
