package profile

// Default profile seeded on first read.
const (
	DefaultName    = "Default User"
	DefaultContext = "Region: Northeast"
)

// Store keys.
const (
	KeyName    = "name"
	KeyContext = "context"
)

// Profile is the single analyst the service answers for. Context is free
// text such as "Region: Northeast" that prompts may use to resolve phrases
// like "my region".
type Profile struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

// Context is the per-request background handed to LLM stages.
type Context struct {
	Calendar    string `json:"calendar"`
	UserProfile string `json:"user_profile"`
	// Session carries anything else the caller wants the advisor to see.
	Session string `json:"session,omitempty"`
}
