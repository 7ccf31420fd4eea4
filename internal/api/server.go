// Package api exposes querysmith over HTTP: the WebSocket question channel,
// the bearer-authenticated admin REST API, and the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/querysmith/internal/intent"
	"github.com/kalambet/querysmith/internal/narrative"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/review"
	"github.com/kalambet/querysmith/internal/sqlrunner"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxImportBodySize = 10 << 20 // 10MB

// QueryRunner executes SQL against the business database.
type QueryRunner interface {
	Run(ctx context.Context, sql string) (sqlrunner.Result, error)
}

// Options carries the request-time settings of the API.
type Options struct {
	TopN               int
	Clarify            bool
	RecheckCorrections bool
	// MaxAttempts bounds retries of queued template jobs.
	MaxAttempts int
}

// Deps holds everything the HTTP, WebSocket and MCP surfaces call into.
// Runner and Narrative may be nil when no business database is configured.
type Deps struct {
	Store     *storage.Store
	Templates templates.Store
	Profile   *profile.Manager
	Prompts   *prompts.Library
	Pipeline  *pipeline.Pipeline
	Ranker    *ranking.Ranker
	Advisor   *tailoring.Advisor
	Modifier  *tailoring.Modifier
	Reviewer  *review.Reviewer
	Clarifier *intent.Clarifier
	Runner    QueryRunner
	Narrative *narrative.Writer
	Token     string
	Options   Options
}

// NewHandler returns the root router: /health and /metrics are public,
// /ws and /api require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Options.TopN <= 0 {
		deps.Options.TopN = ranking.DefaultTopN
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/ws", handleWebSocket(deps))
		r.Mount("/api", newAdminRouter(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryTimeout bounds synchronous REST calls into the pipeline.
const queryTimeout = 5 * time.Minute

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
