package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrMalformedOutput is returned by Decode when the model did not produce
// usable JSON.
var ErrMalformedOutput = errors.New("llm: malformed structured output")

const parseFailureMessage = "Failed to parse JSON"

type failure struct {
	Error       string `json:"error"`
	RawResponse string `json:"raw_response"`
}

func parseFailure(text string) json.RawMessage {
	b, _ := json.Marshal(failure{Error: parseFailureMessage, RawResponse: text})
	return b
}

// RawResponse returns the original model text carried by a parse-failure
// document, or "" when raw is not one.
func RawResponse(raw json.RawMessage) string {
	if f, ok := asFailure(raw); ok {
		return f.RawResponse
	}
	return ""
}

func asFailure(raw json.RawMessage) (failure, bool) {
	var probe struct {
		Error       string  `json:"error"`
		RawResponse *string `json:"raw_response"`
	}
	if json.Unmarshal(raw, &probe) != nil || probe.Error != parseFailureMessage || probe.RawResponse == nil {
		return failure{}, false
	}
	return failure{Error: probe.Error, RawResponse: *probe.RawResponse}, true
}

// Decode unmarshals a structured response into v. A parse-failure document,
// or one that does not fit v, yields ErrMalformedOutput.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrMalformedOutput
	}
	if _, ok := asFailure(raw); ok {
		return ErrMalformedOutput
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrMalformedOutput, err)
	}
	return nil
}

// ParseJSON extracts a JSON document from model text. Markdown fences are
// stripped, then the whole text is tried, then the span from the first '{'
// to the last '}'.
func ParseJSON(text string) (json.RawMessage, bool) {
	s := StripFences(text)
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), true
	}
	if fixed := fixInvalidJSONEscapes(s); json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed), true
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	inner := s[start : end+1]
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner), true
	}
	if fixed := fixInvalidJSONEscapes(inner); json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed), true
	}
	return nil, false
}

// fenceRe matches a whole response wrapped in a markdown code fence with an
// optional language tag.
var fenceRe = regexp.MustCompile("(?s)^(?:`{3}|~{3})[^\\n]*\\n(.*?)(?:`{3}|~{3})\\s*$")

// openFenceRe matches only an opening fence line, for truncated responses.
var openFenceRe = regexp.MustCompile("^(?:`{3}|~{3})[^\\n]*\\n")

// StripFences removes a markdown code fence wrapped around a response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if loc := openFenceRe.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(strings.TrimRight(s[loc[1]:], "`~ \n"))
	}
	return s
}

var sqlBlockRe = regexp.MustCompile("(?is)```sql\\s*\\n?(.*?)```")

// ExtractSQLBlock returns the body of the first ```sql fenced block in text.
func ExtractSQLBlock(text string) (string, bool) {
	m := sqlBlockRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	sql := strings.TrimSpace(m[1])
	return sql, sql != ""
}

// invalidJSONEscapeRe matches a backslash followed by a character that is
// not a valid JSON escape. Models emit these in SQL regex literals.
var invalidJSONEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

func fixInvalidJSONEscapes(s string) string {
	return invalidJSONEscapeRe.ReplaceAllString(s, `\\$1`)
}
