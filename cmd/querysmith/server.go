package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/querysmith/internal/api"
	"github.com/kalambet/querysmith/internal/config"
	"github.com/kalambet/querysmith/internal/engine"
	"github.com/kalambet/querysmith/internal/fallback"
	"github.com/kalambet/querysmith/internal/ingest"
	"github.com/kalambet/querysmith/internal/intent"
	"github.com/kalambet/querysmith/internal/llm"
	"github.com/kalambet/querysmith/internal/metrics"
	"github.com/kalambet/querysmith/internal/narrative"
	"github.com/kalambet/querysmith/internal/pgstore"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/retrieval"
	"github.com/kalambet/querysmith/internal/review"
	"github.com/kalambet/querysmith/internal/sqlrunner"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the querysmith server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running querysmith server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show querysmith system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "querysmith.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the server logger: colored text by default, JSON lines
// when log.format is json.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	}))
}

func runServer(withMCP bool) error {
	// stdout belongs to the MCP transport when --mcp is set.
	fmt.Fprintf(os.Stderr, "querysmith version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	metrics.BuildInfo.WithLabelValues(version).Set(1)

	apiToken, err := config.APIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("querysmith is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("querysmith is already running on %s", cfg.Addr())
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	models := []string{cfg.Embedding.Model}
	if strings.EqualFold(cfg.LLM.Provider, "ollama") {
		models = append(models, cfg.LLM.Model)
	}
	if err := engine.EnsureReady(ctx, eng, models, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	var tmplStore templates.Store = store
	if cfg.Storage.TemplatesBackend == "postgres" {
		pg, err := pgstore.Open(ctx, cfg.Storage.TemplatesDSN, cfg.Embedding.Dimension)
		if err != nil {
			return fmt.Errorf("opening template store: %w", err)
		}
		defer pg.Close()
		tmplStore = pg
	}
	slog.Info("template store ready", "backend", cfg.Storage.TemplatesBackend)

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Name:    cfg.LLM.Provider,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Engine:  eng,
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	gen := llm.NewClient(provider, llm.Options{
		MaxTokens:  cfg.LLM.MaxTokens,
		Timeout:    time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.LLM.MaxRetries,
		Logger:     logger,
	})

	lib, err := prompts.NewLibrary(store, prompts.DefaultCacheTTL)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Embedding.Model, cfg.Embedding.Dimension)
	registry := templates.NewRegistry(tmplStore, embedder, cfg.Embedding.Dimension)

	var schema pipeline.SchemaSource = pipeline.StaticSchema("")
	var runner api.QueryRunner
	if cfg.Business.DSN != "" {
		r, err := sqlrunner.Open(ctx, cfg.Business.DSN, sqlrunner.Options{
			MaxRows:          cfg.Business.MaxRows,
			StatementTimeout: time.Duration(cfg.Business.StatementTimeoutMS) * time.Millisecond,
			SchemaCacheTTL:   time.Duration(cfg.Business.SchemaCacheSeconds) * time.Second,
			Schema:           cfg.Business.Schema,
		})
		if err != nil {
			return fmt.Errorf("connecting to business database: %w", err)
		}
		defer r.Close()
		schema, runner = r, r
	} else {
		slog.Warn("no business database configured; query execution is disabled")
	}

	ranker := ranking.NewRanker(embedder, tmplStore, gen, lib, ranking.Options{
		Fanout:        cfg.Pipeline.SearchFanout,
		MinSimilarity: cfg.Pipeline.MinSimilarity,
	})
	advisor := tailoring.NewAdvisor(gen, lib)
	modifier := tailoring.NewModifier(gen, lib)
	reviewer := review.NewReviewer(gen, lib)

	pipe := pipeline.New(pipeline.Deps{
		Ranker:   ranker,
		Advisor:  advisor,
		Modifier: modifier,
		Reviewer: reviewer,
		Fallback: fallback.New(gen, lib),
		Enhancer: intent.NewEnhancer(gen, lib),
		Schema:   schema,
	}, pipeline.Options{
		TopN:               cfg.Pipeline.TopN,
		RecheckCorrections: cfg.Pipeline.RecheckCorrections,
		EnhanceQuestion:    cfg.Pipeline.EnhanceQuestion,
	})

	deps := api.Deps{
		Store:     store,
		Templates: tmplStore,
		Profile:   profile.NewManagerWithTTL(store, time.Duration(cfg.Profile.CacheSeconds)*time.Second),
		Prompts:   lib,
		Pipeline:  pipe,
		Ranker:    ranker,
		Advisor:   advisor,
		Modifier:  modifier,
		Reviewer:  reviewer,
		Clarifier: intent.NewClarifier(gen, lib),
		Runner:    runner,
		Narrative: narrative.NewWriter(gen, lib),
		Token:     apiToken,
		Options: api.Options{
			TopN:               cfg.Pipeline.TopN,
			Clarify:            cfg.Pipeline.Clarify,
			RecheckCorrections: cfg.Pipeline.RecheckCorrections,
			MaxAttempts:        cfg.Ingest.MaxAttempts,
		},
	}

	worker := ingest.NewWorker(store, registry, time.Duration(cfg.Ingest.PollIntervalSeconds)*time.Second, logger)
	go worker.Run(ctx)

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("querysmith listening", "addr", addr, "provider", provider.Name(), "model", cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("querysmith is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop querysmith (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to querysmith (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := "http://" + cfg.Addr()
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", cfg.Addr())
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, cfg.LLM.Model)
	printStatus("Embed model", "%s (%d dims)", cfg.Embedding.Model, cfg.Embedding.Dimension)
	printStatus("Templates", "%s", cfg.Storage.TemplatesBackend)
	if cfg.Business.DSN != "" {
		printStatus("Business DB", "configured")
	} else {
		printStatus("Business DB", "not configured")
	}

	apiToken, tokenErr := config.APIToken()
	if tokenErr == nil && running {
		if n, err := countItems(client, serverURL+"/api/templates", apiToken); err == nil {
			printStatus("Verified queries", "%d", n)
		}
		if n, err := countItems(client, serverURL+"/api/conversations?limit=100", apiToken); err == nil {
			printStatus("Conversations", "%s", countLabel(n, 100))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countItems(client *http.Client, url, token string) (int, error) {
	resp, err := apiGet(client, url, token)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
