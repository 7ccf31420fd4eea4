package llm

import (
	"fmt"
	"strings"

	"github.com/kalambet/querysmith/internal/engine"
)

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Name    string // anthropic, openai, openrouter, gemini or ollama
	Model   string
	APIKey  string
	BaseURL string
	// Engine is required for the ollama provider.
	Engine engine.Engine
}

// NewProvider is the factory for creating providers. It is a package-level
// variable so tests can replace it; restore it with t.Cleanup.
var NewProvider = defaultNewProvider

func defaultNewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "anthropic", "":
		return newAnthropicProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "openai":
		return newOpenAIProvider("openai", cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "openrouter":
		base := cfg.BaseURL
		if base == "" {
			base = OpenRouterBaseURL
		}
		return newOpenAIProvider("openrouter", cfg.APIKey, cfg.Model, base)
	case "gemini", "google":
		return newGeminiProvider(cfg.APIKey, cfg.Model)
	case "ollama":
		if cfg.Engine == nil {
			return nil, fmt.Errorf("llm: ollama provider needs a local engine")
		}
		return NewOllamaProvider(cfg.Engine, cfg.Model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Name)
	}
}
