package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/querysmith/internal/ingest"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/profile"
	"github.com/kalambet/querysmith/internal/prompts"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

func newAdminRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/templates", handleListTemplates(deps))
	r.Post("/templates/import", handleImportTemplates(deps))
	r.Post("/templates/reindex", handleReindexTemplates(deps))
	r.Get("/templates/{id}", handleGetTemplate(deps))
	r.Put("/templates/{id}", handlePutTemplate(deps))
	r.Delete("/templates/{id}", handleDeleteTemplate(deps))
	r.Get("/templates/{id}/follow-ups", handleFollowUps(deps))

	r.Post("/ask", handleAsk(deps))
	r.Post("/query", handleQuery(deps))

	r.Get("/profile", handleGetProfile(deps))
	r.Patch("/profile", handlePatchProfile(deps))

	r.Get("/prompts", handleListPrompts(deps))
	r.Get("/prompts/{id}", handleGetPrompt(deps))
	r.Put("/prompts/{id}", handlePutPrompt(deps))
	r.Delete("/prompts/{id}", handleResetPrompt(deps))

	r.Get("/jobs/{id}", handleGetJob(deps))

	r.Get("/conversations", handleListConversations(deps))
	r.Get("/conversations/{id}", handleGetConversation(deps))

	return r
}

// --- templates ---

func handleListTemplates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Templates.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list templates: %v", err)
			return
		}
		if list == nil {
			list = []templates.Template{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Templates.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, templates.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "template not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get template: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// handlePutTemplate queues an upsert; embedding happens in the ingest worker.
func handlePutTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t templates.Template
		if !decodeBody(w, r, &t) {
			return
		}
		t.ID = chi.URLParam(r, "id")
		t.Normalize(time.Now().UTC())

		jobID, err := ingest.EnqueueUpsert(deps.Store, &t, deps.Options.MaxAttempts)
		if err != nil {
			if verr := t.Validate(); verr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue template: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": t.ID, "job_id": jobID, "status": "queued"})
	}
}

func handleDeleteTemplate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Templates.Delete(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, templates.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "template not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete template: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleImportTemplates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		existing, err := deps.Templates.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list templates: %v", err)
			return
		}
		known := make(map[string]bool, len(existing))
		for _, t := range existing {
			known[t.ID] = true
		}

		parsed, err := templates.ParseYAML(r.Body, known, time.Now().UTC())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		jobs := make([]string, 0, len(parsed))
		for i := range parsed {
			id, err := ingest.EnqueueUpsert(deps.Store, &parsed[i], deps.Options.MaxAttempts)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to queue %s: %v", parsed[i].ID, err)
				return
			}
			jobs = append(jobs, id)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"imported": len(parsed), "job_ids": jobs, "status": "queued"})
	}
}

func handleReindexTemplates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Templates.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list templates: %v", err)
			return
		}
		jobs := make([]string, 0, len(list))
		for _, t := range list {
			id, err := ingest.EnqueueReembed(deps.Store, t.ID, deps.Options.MaxAttempts)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to queue %s: %v", t.ID, err)
				return
			}
			jobs = append(jobs, id)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobs, "status": "queued"})
	}
}

type followUp struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Explanation string   `json:"query_explanation"`
	Questions   []string `json:"questions"`
	Depth       int      `json:"depth"`
}

func handleFollowUps(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Templates.Get(r.Context(), id); errors.Is(err, templates.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "template not found")
			return
		}
		depth := parseIntParam(r, "depth", 1, 5)

		out := []followUp{}
		err := templates.Walk(r.Context(), deps.Templates, id, depth, func(t *templates.Template, d int) bool {
			out = append(out, followUp{ID: t.ID, Name: t.Name, Explanation: t.Explanation, Questions: t.QuestionTexts(), Depth: d})
			return true
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to walk follow-ups: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- questions and queries ---

type askRequest struct {
	Question         string `json:"question"`
	EnhancedQuestion string `json:"enhanced_question"`
	TopN             int    `json:"top_n"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()

		res, err := deps.Pipeline.Run(ctx, pipeline.Request{
			Question:         req.Question,
			EnhancedQuestion: req.EnhancedQuestion,
			TopN:             req.TopN,
			Context:          deps.Profile.Context(),
		}, nil)
		switch {
		case errors.Is(err, tailoring.ErrInvalidArgument):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
		case errors.Is(err, pipeline.ErrNoAnswer):
			httpError(w, http.StatusUnprocessableEntity, "no_match", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "pipeline failed: %v", err)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}
}

type queryRequest struct {
	SQL      string `json:"sql"`
	Question string `json:"question"`
}

type queryResponse struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Narrative string   `json:"narrative,omitempty"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runner == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no business database configured")
			return
		}
		var req queryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.SQL) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sql is required")
			return
		}
		resp, err := runQuery(r.Context(), deps, "", req.Question, req.SQL)
		if err != nil {
			httpError(w, http.StatusBadRequest, "query_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// runQuery executes sql, records the execution and, when a question is
// given, writes a narrative answer.
func runQuery(ctx context.Context, deps Deps, conversationID, question, sql string) (queryResponse, error) {
	start := time.Now()
	res, err := deps.Runner.Run(ctx, sql)

	exec := storage.QueryExecution{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SQL:            sql,
		Status:         "ok",
		DurationMS:     time.Since(start).Milliseconds(),
		RowCount:       len(res.Rows),
	}
	if err != nil {
		exec.Status = "error"
		exec.Error = err.Error()
	}
	if recErr := deps.Store.RecordExecution(context.WithoutCancel(ctx), exec); recErr != nil {
		slog.Warn("api: recording execution failed", "error", recErr)
	}
	if err != nil {
		return queryResponse{}, err
	}

	resp := queryResponse{Columns: res.Columns, Rows: res.Rows, RowCount: len(res.Rows), Truncated: res.Truncated}
	if resp.Rows == nil {
		resp.Rows = [][]any{}
	}
	if question != "" && deps.Narrative != nil {
		resp.Narrative = deps.Narrative.Write(ctx, question, deps.Profile.Context(), res)
	}
	return resp, nil
}

// --- profile ---

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		if !decodeBody(w, r, &fields) {
			return
		}

		for key, value := range fields {
			err := deps.Profile.SetField(key, value)
			if errors.Is(err, profile.ErrUnknownField) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set field %q: %v", key, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// --- prompts ---

func handleListPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Prompts.List(r.Context()))
	}
}

func handleGetPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Prompts.Effective(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, prompts.ErrUnknownPrompt) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePutPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		err := deps.Prompts.Set(r.Context(), chi.URLParam(r, "id"), body.Body)
		switch {
		case errors.Is(err, prompts.ErrUnknownPrompt):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		}
	}
}

func handleResetPrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Prompts.Reset(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, prompts.ErrUnknownPrompt), errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
		}
	}
}

// --- jobs and conversations ---

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListConversations(r.Context(), parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}
		if list == nil {
			list = []storage.Conversation{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		conv, err := deps.Store.GetConversation(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}
		execs, err := deps.Store.ListExecutions(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list executions: %v", err)
			return
		}
		if execs == nil {
			execs = []storage.QueryExecution{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "executions": execs})
	}
}
