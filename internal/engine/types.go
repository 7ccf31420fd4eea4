package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions controls sampling for one chat call.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	// JSON requests output constrained to a single JSON document.
	JSON bool
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
