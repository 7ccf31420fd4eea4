package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "QUERYSMITH_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "QUERYSMITH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "QUERYSMITH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "QUERYSMITH_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "llm.provider", typ: kString, env: "QUERYSMITH_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "QUERYSMITH_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "QUERYSMITH_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "QUERYSMITH_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "QUERYSMITH_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.timeout_seconds", typ: kInt, env: "QUERYSMITH_LLM_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.LLM.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.TimeoutSeconds },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "QUERYSMITH_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "ollama.base_url", typ: kString, env: "QUERYSMITH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "QUERYSMITH_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "QUERYSMITH_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUERYSMITH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.templates_backend", typ: kString, env: "QUERYSMITH_STORAGE_TEMPLATES_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.TemplatesBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.TemplatesBackend },
	},
	{
		key: "storage.templates_dsn", typ: kString, env: "QUERYSMITH_STORAGE_TEMPLATES_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.TemplatesDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.TemplatesDSN },
	},
	{
		key: "business.dsn", typ: kString, env: "QUERYSMITH_BUSINESS_DSN",
		apply:   func(cfg *Config, v any) { cfg.Business.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Business.DSN },
	},
	{
		key: "business.max_rows", typ: kInt, env: "QUERYSMITH_BUSINESS_MAX_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Business.MaxRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Business.MaxRows },
	},
	{
		key: "business.statement_timeout_ms", typ: kInt, env: "QUERYSMITH_BUSINESS_STATEMENT_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Business.StatementTimeoutMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Business.StatementTimeoutMS },
	},
	{
		key: "business.schema_cache_seconds", typ: kInt, env: "QUERYSMITH_BUSINESS_SCHEMA_CACHE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Business.SchemaCacheSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Business.SchemaCacheSeconds },
	},
	{
		key: "business.schema", typ: kString, env: "QUERYSMITH_BUSINESS_SCHEMA",
		apply:   func(cfg *Config, v any) { cfg.Business.Schema = v.(string) },
		extract: func(cfg Config) any { return cfg.Business.Schema },
	},
	{
		key: "pipeline.top_n", typ: kInt, env: "QUERYSMITH_PIPELINE_TOP_N",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopN = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopN },
	},
	{
		key: "pipeline.search_fanout", typ: kInt, env: "QUERYSMITH_PIPELINE_SEARCH_FANOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.SearchFanout = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.SearchFanout },
	},
	{
		key: "pipeline.min_similarity", typ: kFloat, env: "QUERYSMITH_PIPELINE_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.MinSimilarity },
	},
	{
		key: "pipeline.clarify", typ: kBool, env: "QUERYSMITH_PIPELINE_CLARIFY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Clarify = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Clarify },
	},
	{
		key: "pipeline.enhance_question", typ: kBool, env: "QUERYSMITH_PIPELINE_ENHANCE_QUESTION",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.EnhanceQuestion = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.EnhanceQuestion },
	},
	{
		key: "pipeline.recheck_corrections", typ: kBool, env: "QUERYSMITH_PIPELINE_RECHECK_CORRECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RecheckCorrections = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.RecheckCorrections },
	},
	{
		key: "ingest.poll_interval_seconds", typ: kInt, env: "QUERYSMITH_INGEST_POLL_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.PollIntervalSeconds },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "QUERYSMITH_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "profile.cache_seconds", typ: kInt, env: "QUERYSMITH_PROFILE_CACHE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Profile.CacheSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Profile.CacheSeconds },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
