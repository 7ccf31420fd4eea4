package prompts

// SelectBestData feeds the select_best prompt.
type SelectBestData struct {
	Question   string
	Candidates []SelectCandidate
}

// SelectCandidate is one numbered choice. Index is 1-based.
type SelectCandidate struct {
	Index           int
	Name            string
	Explanation     string
	MatchedQuestion string
}

// RecommendData feeds the recommend prompt.
type RecommendData struct {
	SQL            string
	Explanation    string
	QuestionsJSON  string
	Instructions   string
	Question       string
	Calendar       string
	UserProfile    string
	SessionContext string
}

// ModifyData feeds the modify prompt. Modifications is the plan as JSON.
type ModifyData struct {
	SQL           string
	Modifications string
}

// ReviewData feeds the review prompt.
type ReviewData struct {
	OriginalSQL      string
	ModifiedSQL      string
	Question         string
	EnhancedQuestion string
	Explanation      string
	Instructions     string
	TablesUsed       string
}

// FallbackData feeds the fallback prompt.
type FallbackData struct {
	Schema   string
	Question string
}

// QuestionData feeds the enhance and clarify prompts.
type QuestionData struct {
	Question    string
	Calendar    string
	UserProfile string
}

// NarrativeData feeds the narrative prompt. Data and Context are JSON.
type NarrativeData struct {
	Question string
	Data     string
	Context  string
}
