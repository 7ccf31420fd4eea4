package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kalambet/querysmith/internal/intent"
	"github.com/kalambet/querysmith/internal/metrics"
	"github.com/kalambet/querysmith/internal/pipeline"
	"github.com/kalambet/querysmith/internal/ranking"
	"github.com/kalambet/querysmith/internal/review"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/tailoring"
	"github.com/kalambet/querysmith/internal/templates"
)

// Frame statuses.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusNoMatch = "no_match"
	statusStopped = "stopped"
)

// Frame steps.
const (
	stepIntentClarifications = "intent_clarifications"
	stepBestQuery            = "best_query"
	stepRecommendations      = "recommendations"
	stepModifiedSQL          = "modified_sql"
	stepReview               = "review"
	stepReviewedSQL          = "reviewed_sql"
	stepProgress             = "progress"
	stepPipelineResult       = "pipeline_result"
	stepQueryResults         = "query_results"
	stepFollowUps            = "follow_ups"
	stepStop                 = "stop"
)

const (
	writeWait     = 10 * time.Second
	maxTitleRunes = 80
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token already gates the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is an inbound frame. Which fields matter depends on Action.
type wsRequest struct {
	Action           string                   `json:"action"`
	RequestID        string                   `json:"request_id,omitempty"`
	SessionID        string                   `json:"session_id,omitempty"`
	Question         string                   `json:"question,omitempty"`
	ShouldClarify    *bool                    `json:"should_clarify,omitempty"`
	SelectedQuestion string                   `json:"selected_question,omitempty"`
	VerifiedQuery    *templates.Template      `json:"verified_query,omitempty"`
	SQL              string                   `json:"sql,omitempty"`
	OriginalSQL      string                   `json:"original_sql,omitempty"`
	Modifications    []tailoring.Modification `json:"modifications,omitempty"`
	QueryID          string                   `json:"query_id,omitempty"`
	QueryName        string                   `json:"query_name,omitempty"`
	TopN             int                      `json:"top_n,omitempty"`
	EnhancedQuestion string                   `json:"enhanced_question,omitempty"`
}

// tailoringQuestion is the question tailoring and review work against.
func (r wsRequest) tailoringQuestion() string {
	if strings.TrimSpace(r.EnhancedQuestion) != "" {
		return r.EnhancedQuestion
	}
	return r.Question
}

func (r wsRequest) plan() tailoring.Plan {
	return tailoring.Plan{ModificationsNeeded: len(r.Modifications) > 0, Modifications: r.Modifications}
}

// frame is an outbound message.
type frame map[string]any

func newFrame(status, step string, fields frame) frame {
	f := frame{"status": status, "step": step}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

type wsHandler func(s *wsSession, ctx context.Context, req wsRequest)

var wsHandlers = map[string]wsHandler{
	"get_intent_clarifications": (*wsSession).handleIntentClarifications,
	"get_best_query":            (*wsSession).handleBestQuery,
	"select_clarification":      (*wsSession).handleSelectClarification,
	"get_recommendations":       (*wsSession).handleRecommendations,
	"modify_query":              (*wsSession).handleModifyQuery,
	"review_query":              (*wsSession).handleReviewQuery,
	"ask":                       (*wsSession).handleAsk,
	"run_query":                 (*wsSession).handleRunQuery,
	"get_follow_ups":            (*wsSession).handleFollowUps,
}

type inflight struct {
	cancel  context.CancelFunc
	stopped bool
}

// wsSession is the state of one WebSocket connection. Every request runs in
// its own goroutine; writes and the inflight table share one mutex so a
// stopped request can never emit a frame after the stop reply.
type wsSession struct {
	conn           *websocket.Conn
	deps           Deps
	conversationID string

	mu       sync.Mutex
	inflight map[string]*inflight
	wg       sync.WaitGroup
}

func handleWebSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws: upgrade failed", "error", err)
			return
		}
		metrics.WSConnections.Inc()
		defer metrics.WSConnections.Dec()

		s := &wsSession{
			conn:           conn,
			deps:           deps,
			conversationID: uuid.NewString(),
			inflight:       make(map[string]*inflight),
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		s.serve(ctx, cancel)
	}
}

func (s *wsSession) serve(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		s.wg.Wait()
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxRequestBodySize)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("ws: read failed", "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.write(newFrame(statusError, "", frame{"message": "invalid JSON frame"}))
			continue
		}
		if req.Action == "stop" {
			s.stop(req.RequestID)
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *wsSession) dispatch(ctx context.Context, req wsRequest) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	h, ok := wsHandlers[req.Action]
	if !ok {
		s.write(newFrame(statusError, req.Action, frame{
			"request_id": req.RequestID,
			"message":    "unknown action: " + req.Action,
		}))
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, busy := s.inflight[req.RequestID]; busy {
		s.mu.Unlock()
		cancel()
		s.write(newFrame(statusError, req.Action, frame{
			"request_id": req.RequestID,
			"message":    "request_id already in flight",
		}))
		return
	}
	s.inflight[req.RequestID] = &inflight{cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(req.RequestID)
		h(s, reqCtx, req)
	}()
}

func (s *wsSession) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inflight[id]; ok {
		in.cancel()
		delete(s.inflight, id)
	}
}

// stop cancels the request named by id, or every inflight request when id is
// empty, and confirms with a stopped frame.
func (s *wsSession) stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for rid, in := range s.inflight {
		if id != "" && rid != id {
			continue
		}
		in.stopped = true
		in.cancel()
		n++
	}
	s.writeLocked(newFrame(statusStopped, stepStop, frame{"request_id": id, "stopped": n}))
}

// send writes f as part of request id unless that request was stopped.
func (s *wsSession) send(id string, f frame) {
	f["request_id"] = id
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inflight[id]; ok && in.stopped {
		return
	}
	s.writeLocked(f)
}

func (s *wsSession) write(f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(f)
}

func (s *wsSession) writeLocked(f frame) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		slog.Debug("ws: write failed", "error", err)
	}
}

func (s *wsSession) fail(req wsRequest, step string, msg string) {
	s.send(req.RequestID, newFrame(statusError, step, frame{"message": msg}))
}

// --- conversation log ---

func (s *wsSession) conversation(req wsRequest) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return s.conversationID
}

func (s *wsSession) record(ctx context.Context, req wsRequest, role, content, sql, templateID string) {
	if s.deps.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	id := s.conversation(req)

	title := ""
	if role == "user" {
		title = truncateRunes(content, maxTitleRunes)
	}
	if err := s.deps.Store.EnsureConversation(ctx, id, title); err != nil {
		slog.Warn("ws: recording conversation failed", "error", err)
		return
	}
	err := s.deps.Store.AddMessage(ctx, storage.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		Role:           role,
		Content:        content,
		SQL:            sql,
		TemplateID:     templateID,
	})
	if err != nil {
		slog.Warn("ws: recording message failed", "error", err)
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// --- actions ---

func (s *wsSession) clarify(ctx context.Context, question string) []intent.Clarification {
	if s.deps.Clarifier == nil {
		return []intent.Clarification{{Text: question, Explanation: "Original question"}}
	}
	return s.deps.Clarifier.Clarify(ctx, question, s.deps.Profile.Context())
}

func (s *wsSession) handleIntentClarifications(ctx context.Context, req wsRequest) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.fail(req, stepIntentClarifications, "question is required")
		return
	}
	cl := s.clarify(ctx, question)
	if ctx.Err() != nil {
		return
	}
	s.send(req.RequestID, newFrame(statusOK, stepIntentClarifications, frame{
		"clarifications":    cl,
		"original_question": question,
	}))
}

func (s *wsSession) handleBestQuery(ctx context.Context, req wsRequest) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.fail(req, stepBestQuery, "question is required")
		return
	}
	s.record(ctx, req, "user", question, "", "")

	shouldClarify := req.ShouldClarify == nil || *req.ShouldClarify
	if shouldClarify && s.deps.Options.Clarify && s.deps.Clarifier != nil {
		cl := s.clarify(ctx, question)
		if ctx.Err() != nil {
			return
		}
		if len(cl) > 1 {
			s.send(req.RequestID, newFrame(statusOK, stepIntentClarifications, frame{
				"clarifications":    cl,
				"original_question": question,
			}))
			return
		}
	}
	s.rank(ctx, req, question)
}

// handleSelectClarification ranks the interpretation the analyst picked.
func (s *wsSession) handleSelectClarification(ctx context.Context, req wsRequest) {
	question := strings.TrimSpace(req.SelectedQuestion)
	if question == "" {
		question = strings.TrimSpace(req.Question)
	}
	if question == "" {
		s.fail(req, stepBestQuery, "selected_question is required")
		return
	}
	s.record(ctx, req, "user", question, "", "")
	s.rank(ctx, req, question)
}

func (s *wsSession) rank(ctx context.Context, req wsRequest, question string) {
	topN := req.TopN
	if topN <= 0 {
		topN = s.deps.Options.TopN
	}
	matches, err := s.deps.Ranker.Rank(ctx, question, topN)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("ws: ranking failed", "error", err)
		matches = nil
	}

	best, ok := ranking.Selected(matches)
	if !ok {
		s.send(req.RequestID, newFrame(statusNoMatch, stepBestQuery, frame{
			"question": question,
			"message":  "no verified query matches the question",
		}))
		return
	}
	s.send(req.RequestID, newFrame(statusOK, stepBestQuery, frame{
		"question":         question,
		"verified_query":   best.Template,
		"similarity":       best.Similarity,
		"confidence":       best.Confidence,
		"matched_question": best.MatchedQuestion,
		"reasoning":        best.Rationale,
		"candidates":       matches,
	}))
}

func (s *wsSession) handleRecommendations(ctx context.Context, req wsRequest) {
	if req.VerifiedQuery == nil {
		s.fail(req, stepRecommendations, "verified_query is required")
		return
	}
	plan, err := s.deps.Advisor.Recommend(ctx, req.VerifiedQuery, req.tailoringQuestion(), s.deps.Profile.Context())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.fail(req, stepRecommendations, err.Error())
		return
	}
	s.send(req.RequestID, newFrame(statusOK, stepRecommendations, frame{
		"recommendations": plan,
		"query_id":        req.VerifiedQuery.ID,
	}))
}

func (s *wsSession) handleModifyQuery(ctx context.Context, req wsRequest) {
	sql := req.SQL
	if strings.TrimSpace(sql) == "" && req.VerifiedQuery != nil {
		sql = req.VerifiedQuery.SQL
	}
	plan := req.plan()
	out, err := s.deps.Modifier.Apply(ctx, sql, plan)
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, tailoring.ErrInvalidArgument) {
		s.fail(req, stepModifiedSQL, err.Error())
		return
	}

	f := frame{
		"original_sql":          sql,
		"modified_sql":          out,
		"modifications_applied": err == nil && !plan.Empty(),
	}
	if err != nil {
		f["message"] = err.Error()
	}
	s.send(req.RequestID, newFrame(statusOK, stepModifiedSQL, f))
}

func (s *wsSession) handleReviewQuery(ctx context.Context, req wsRequest) {
	original := req.OriginalSQL
	if strings.TrimSpace(original) == "" && req.VerifiedQuery != nil {
		original = req.VerifiedQuery.SQL
	}
	if strings.TrimSpace(original) == "" && strings.TrimSpace(req.SQL) == "" {
		s.fail(req, stepReviewedSQL, "sql is required")
		return
	}

	in := review.Input{
		OriginalSQL:      original,
		Question:         req.Question,
		EnhancedQuestion: req.EnhancedQuestion,
		Template:         req.VerifiedQuery,
		Plan:             req.plan(),
	}
	m := review.NewMachine(s.deps.Reviewer, s.deps.Modifier, in, req.SQL, review.Options{
		RecheckCorrections: s.deps.Options.RecheckCorrections,
	})
	out, err := m.Run(ctx, func(i int, msg string) {
		s.send(req.RequestID, newFrame(statusOK, stepReview, frame{
			"message":        msg,
			"iteration":      i,
			"max_iterations": review.MaxIterations,
		}))
	})
	if err != nil {
		return
	}

	templateID := ""
	if req.VerifiedQuery != nil {
		templateID = req.VerifiedQuery.ID
	}
	s.record(ctx, req, "assistant", reviewSummary(out), out.SQL, templateID)
	s.send(req.RequestID, newFrame(statusOK, stepReviewedSQL, frame{
		"sql":                    out.SQL,
		"is_valid":               out.IsValid,
		"iterations_used":        out.Iterations,
		"max_iterations_reached": out.MaxIterationsReached,
		"corrected":              out.Corrected,
		"verdicts":               out.Verdicts,
	}))
}

func reviewSummary(out review.Outcome) string {
	if len(out.Verdicts) == 0 {
		return ""
	}
	return out.Verdicts[len(out.Verdicts)-1].Explanation
}

func (s *wsSession) handleAsk(ctx context.Context, req wsRequest) {
	if strings.TrimSpace(req.Question) == "" {
		s.fail(req, stepPipelineResult, "question is required")
		return
	}
	s.record(ctx, req, "user", req.Question, "", "")
	notify := pipeline.NotifierFunc(func(e pipeline.Event) {
		s.send(req.RequestID, newFrame(statusOK, stepProgress, frame{
			"stage":          e.Step,
			"message":        e.Message,
			"iteration":      e.Iteration,
			"max_iterations": e.MaxIterations,
			"payload":        e.Payload,
		}))
	})

	res, err := s.deps.Pipeline.Run(ctx, pipeline.Request{
		Question:         req.Question,
		EnhancedQuestion: req.EnhancedQuestion,
		TopN:             req.TopN,
		Context:          s.deps.Profile.Context(),
	}, notify)
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, pipeline.ErrNoAnswer):
		s.send(req.RequestID, newFrame(statusNoMatch, stepPipelineResult, frame{"message": err.Error()}))
		return
	case err != nil:
		s.fail(req, stepPipelineResult, err.Error())
		return
	}

	s.record(ctx, req, "assistant", res.Explanation, res.SQL, res.TemplateID)
	s.send(req.RequestID, newFrame(statusOK, stepPipelineResult, frame{"result": res}))
}

func (s *wsSession) handleRunQuery(ctx context.Context, req wsRequest) {
	if s.deps.Runner == nil {
		s.fail(req, stepQueryResults, "no business database configured")
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		s.fail(req, stepQueryResults, "sql is required")
		return
	}
	resp, err := runQuery(ctx, s.deps, s.conversation(req), req.Question, req.SQL)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.fail(req, stepQueryResults, err.Error())
		return
	}
	s.send(req.RequestID, newFrame(statusOK, stepQueryResults, frame{
		"query_name": req.QueryName,
		"columns":    resp.Columns,
		"rows":       resp.Rows,
		"row_count":  resp.RowCount,
		"truncated":  resp.Truncated,
		"narrative":  resp.Narrative,
	}))
}

func (s *wsSession) handleFollowUps(ctx context.Context, req wsRequest) {
	if req.QueryID == "" {
		s.fail(req, stepFollowUps, "query_id is required")
		return
	}
	list, err := templates.FollowUps(ctx, s.deps.Templates, req.QueryID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.fail(req, stepFollowUps, err.Error())
		return
	}
	if list == nil {
		list = []templates.Template{}
	}
	s.send(req.RequestID, newFrame(statusOK, stepFollowUps, frame{
		"query_id":   req.QueryID,
		"follow_ups": list,
	}))
}
