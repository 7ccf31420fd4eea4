package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const keychainService = "querysmith"

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	LLM       LLMConfig
	Ollama    OllamaConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	Business  BusinessConfig
	Pipeline  PipelineConfig
	Ingest    IngestConfig
	Profile   ProfileConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LogConfig struct {
	Level  string
	Format string
}

type LLMConfig struct {
	Provider       string
	Model          string
	BaseURL        string
	APIKey         string
	MaxTokens      int
	TimeoutSeconds int
	MaxRetries     int
}

type OllamaConfig struct {
	BaseURL string
}

type EmbeddingConfig struct {
	Model     string
	Dimension int
}

type StorageConfig struct {
	DataDir string
	// TemplatesBackend is "sqlite" or "postgres".
	TemplatesBackend string
	TemplatesDSN     string
}

type BusinessConfig struct {
	DSN                string
	MaxRows            int
	StatementTimeoutMS int
	SchemaCacheSeconds int
	Schema             string
}

type PipelineConfig struct {
	TopN               int
	SearchFanout       int
	MinSimilarity      float64
	Clarify            bool
	EnhanceQuestion    bool
	RecheckCorrections bool
}

type IngestConfig struct {
	PollIntervalSeconds int
	MaxAttempts         int
}

type ProfileConfig struct {
	CacheSeconds int
}

var (
	providers = map[string]bool{"anthropic": true, "openai": true, "openrouter": true, "gemini": true, "ollama": true}
	backends  = map[string]bool{"sqlite": true, "postgres": true}
	levels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

	// providerEnv is consulted last for a provider API key.
	providerEnv = map[string]string{
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
		"gemini":     "GOOGLE_API_KEY",
	}
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-3-5-sonnet-latest",
			MaxTokens:      2000,
			TimeoutSeconds: 60,
			MaxRetries:     3,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Model:     "all-minilm",
			Dimension: 384,
		},
		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			TemplatesBackend: "sqlite",
		},
		Business: BusinessConfig{
			MaxRows:            1000,
			StatementTimeoutMS: 30000,
			SchemaCacheSeconds: 600,
			Schema:             "public",
		},
		Pipeline: PipelineConfig{
			TopN:         5,
			SearchFanout: 4,
			Clarify:      true,
		},
		Ingest: IngestConfig{
			PollIntervalSeconds: 1,
			MaxAttempts:         3,
		},
		Profile: ProfileConfig{
			CacheSeconds: 60,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.querysmith.app) and
// secrets live in the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/querysmith/config.json
// and secrets live in a 0600 file under $XDG_DATA_HOME/querysmith.
//
// Environment variables (QUERYSMITH_*) override backend values on all
// platforms. A .env file in the working directory is loaded first; it never
// replaces variables that are already set.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.APIKey == "" && cfg.LLM.Provider != "ollama" {
		if key, err := kc.Get(keychainService, cfg.LLM.Provider+"_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		} else if env := providerEnv[cfg.LLM.Provider]; env != "" {
			cfg.LLM.APIKey = os.Getenv(env)
		}
	}

	return cfg, nil
}

// Validate reports the first setting the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if !levels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if !providers[c.LLM.Provider] {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	} else if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("missing required config: API key for provider %s. "+
			"Set it via environment variable QUERYSMITH_LLM_API_KEY or %s%s",
			c.LLM.Provider, providerEnv[c.LLM.Provider], apiKeyHint(c.LLM.Provider)))
	}
	if !backends[c.Storage.TemplatesBackend] {
		errs = append(errs, fmt.Errorf("storage.templates_backend %q must be sqlite or postgres", c.Storage.TemplatesBackend))
	}
	if c.Storage.TemplatesBackend == "postgres" && c.Storage.TemplatesDSN == "" {
		errs = append(errs, errors.New("storage.templates_dsn is required for the postgres backend"))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension %d must be positive", c.Embedding.Dimension))
	}
	if c.Pipeline.MinSimilarity < 0 || c.Pipeline.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("pipeline.min_similarity %v must be within [0, 1]", c.Pipeline.MinSimilarity))
	}
	return errors.Join(errs...)
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// APIToken returns the bearer token guarding the HTTP API, generating and
// persisting one on first use.
func APIToken() (string, error) {
	return apiTokenWith(keychainStore{})
}

func apiTokenWith(kc keychain) (string, error) {
	if tok := os.Getenv("QUERYSMITH_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetAPIKey stores a provider API key in the platform secret store.
func SetAPIKey(provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !providers[provider] || provider == "ollama" {
		return fmt.Errorf("unknown provider %q", provider)
	}
	return keychainStore{}.Set(keychainService, provider+"_api_key", key)
}

// apiKeyHint tells the user where `config set-key` keeps a provider key.
func apiKeyHint(provider string) string {
	return fmt.Sprintf(", or run `querysmith config set-key %s` to keep it in %s (account %s_api_key)",
		provider, secretStoreName, provider)
}

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
