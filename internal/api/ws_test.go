package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/querysmith/internal/sqlrunner"
)

func dialWS(t *testing.T, deps Deps) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + testToken}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readStep reads frames until one with the given step arrives and returns it
// together with the frames skipped on the way.
func readStep(t *testing.T, conn *websocket.Conn, step string) (map[string]any, []map[string]any) {
	t.Helper()
	var skipped []map[string]any
	for {
		f := readFrame(t, conn)
		if f["step"] == step {
			return f, skipped
		}
		skipped = append(skipped, f)
	}
}

func TestWS_RequiresToken(t *testing.T) {
	srv := httptest.NewServer(NewHandler(newTestDeps(t, defaultGenerator())))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+testToken, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestWS_BestQueryOffersClarifications(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	seed(t, deps, agencyTemplate)
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{"action": "get_best_query", "request_id": "r1", "question": "premium by agency"})
	f := readFrame(t, conn)

	assert.Equal(t, "ok", f["status"])
	assert.Equal(t, "intent_clarifications", f["step"])
	assert.Equal(t, "r1", f["request_id"])
	assert.Equal(t, "premium by agency", f["original_question"])
	cl, ok := f["clarifications"].([]any)
	require.True(t, ok)
	require.Len(t, cl, 3)
	assert.Equal(t, "premium by agency", cl[0].(map[string]any)["text"])
}

func TestWS_BestQueryWithoutClarification(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	seed(t, deps, agencyTemplate)
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{"action": "get_best_query", "question": "premium by agency", "should_clarify": false})
	f := readFrame(t, conn)

	assert.Equal(t, "ok", f["status"])
	assert.Equal(t, "best_query", f["step"])
	assert.NotEmpty(t, f["request_id"])
	vq := f["verified_query"].(map[string]any)
	assert.Equal(t, agencyTemplate.ID, vq["id"])
	assert.InDelta(t, 1.0, f["similarity"], 1e-6)
}

func TestWS_SelectClarificationRanks(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	seed(t, deps, agencyTemplate)
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{"action": "select_clarification", "selected_question": "What is the total premium per agency?"})
	f := readFrame(t, conn)

	assert.Equal(t, "best_query", f["step"])
	assert.Equal(t, "What is the total premium per agency?", f["question"])
}

func TestWS_BestQueryNoMatch(t *testing.T) {
	conn := dialWS(t, newTestDeps(t, defaultGenerator()))

	sendFrame(t, conn, map[string]any{"action": "get_best_query", "question": "unicorns", "should_clarify": false})
	f := readFrame(t, conn)

	assert.Equal(t, "no_match", f["status"])
	assert.Equal(t, "best_query", f["step"])
}

func TestWS_RecommendModifyReview(t *testing.T) {
	gen := defaultGenerator()
	gen.recommend = `{"modifications_needed": true, "modifications": [{"type": "filter", "description": "only 2024", "sql_impact": "WHERE year = 2024"}], "explanation": "add year"}`
	deps := newTestDeps(t, gen)
	conn := dialWS(t, deps)

	vq := map[string]any{
		"id": agencyTemplate.ID, "name": agencyTemplate.Name, "sql": agencyTemplate.SQL,
		"query_explanation": agencyTemplate.Explanation, "questions": []map[string]string{{"text": "total premium by agency"}},
	}

	sendFrame(t, conn, map[string]any{"action": "get_recommendations", "question": "premium by agency in 2024", "verified_query": vq})
	f := readFrame(t, conn)
	require.Equal(t, "recommendations", f["step"])
	rec := f["recommendations"].(map[string]any)
	assert.Equal(t, true, rec["modifications_needed"])
	mods := rec["modifications"].([]any)
	require.Len(t, mods, 1)

	sendFrame(t, conn, map[string]any{"action": "modify_query", "verified_query": vq, "modifications": mods})
	f = readFrame(t, conn)
	require.Equal(t, "modified_sql", f["step"])
	assert.Equal(t, gen.modify, f["modified_sql"])
	assert.Equal(t, true, f["modifications_applied"])

	sendFrame(t, conn, map[string]any{
		"action": "review_query", "question": "premium by agency in 2024", "verified_query": vq,
		"sql": gen.modify, "modifications": mods,
	})
	f, progress := readStep(t, conn, "reviewed_sql")
	require.Len(t, progress, 1)
	assert.Equal(t, "review", progress[0]["step"])
	assert.Equal(t, "reviewing SQL, iteration 1 of 3", progress[0]["message"])
	assert.Equal(t, gen.modify, f["sql"])
	assert.Equal(t, true, f["is_valid"])
	assert.EqualValues(t, 1, f["iterations_used"])
}

func TestWS_ModifyWithoutSQLFails(t *testing.T) {
	conn := dialWS(t, newTestDeps(t, defaultGenerator()))

	sendFrame(t, conn, map[string]any{
		"action":        "modify_query",
		"modifications": []map[string]string{{"type": "filter", "description": "only 2024"}},
	})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["status"])
	assert.Equal(t, "modified_sql", f["step"])
}

func TestWS_AskStreamsProgressAndRecordsConversation(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	seed(t, deps, agencyTemplate)
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{"action": "ask", "session_id": "s1", "question": "total premium by agency"})
	f, progress := readStep(t, conn, "pipeline_result")

	require.Equal(t, "ok", f["status"])
	res := f["result"].(map[string]any)
	assert.Equal(t, "verified", res["source"])
	assert.Equal(t, agencyTemplate.SQL, res["sql"])

	var stages []string
	for _, p := range progress {
		assert.Equal(t, "progress", p["step"])
		stages = append(stages, p["stage"].(string))
	}
	assert.Equal(t, []string{"ranking", "best_query", "recommendations", "result"}, stages)

	conv, err := deps.Store.GetConversation(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	assert.Equal(t, agencyTemplate.ID, conv.Messages[1].TemplateID)
	assert.Equal(t, "total premium by agency", conv.Title)
}

func TestWS_AskNoMatch(t *testing.T) {
	gen := defaultGenerator()
	gen.fallback = `{"sql_query": "", "query_explanation": "", "answer": ""}`
	conn := dialWS(t, newTestDeps(t, gen))

	sendFrame(t, conn, map[string]any{"action": "ask", "question": "unicorns"})
	f, _ := readStep(t, conn, "pipeline_result")
	assert.Equal(t, "no_match", f["status"])
}

func TestWS_RunQuery(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	deps.Runner = &fakeRunner{runFn: func(context.Context, string) (sqlrunner.Result, error) {
		return sqlrunner.Result{Columns: []string{"n"}, Rows: [][]any{{int64(3)}}}, nil
	}}
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{
		"action": "run_query", "session_id": "s2", "sql": "SELECT 3 AS n",
		"question": "how many?", "query_name": "count",
	})
	f := readFrame(t, conn)

	require.Equal(t, "ok", f["status"], f)
	assert.Equal(t, "query_results", f["step"])
	assert.Equal(t, "count", f["query_name"])
	assert.EqualValues(t, 1, f["row_count"])
	assert.Equal(t, "Agency A wrote the most premium.", f["narrative"])

	execs, err := deps.Store.ListExecutions(context.Background(), "s2")
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestWS_RunQueryWithoutDatabase(t *testing.T) {
	conn := dialWS(t, newTestDeps(t, defaultGenerator()))

	sendFrame(t, conn, map[string]any{"action": "run_query", "sql": "SELECT 1"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["status"])
	assert.Equal(t, "query_results", f["step"])
	assert.Contains(t, f["message"], "no business database")
}

func TestWS_FollowUps(t *testing.T) {
	deps := newTestDeps(t, defaultGenerator())
	seed(t, deps, agencyTemplate, stateTemplate)
	conn := dialWS(t, deps)

	sendFrame(t, conn, map[string]any{"action": "get_follow_ups", "query_id": agencyTemplate.ID})
	f := readFrame(t, conn)

	require.Equal(t, "follow_ups", f["step"])
	list := f["follow_ups"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, stateTemplate.ID, list[0].(map[string]any)["id"])
}

func TestWS_UnknownActionAndBadFrame(t *testing.T) {
	conn := dialWS(t, newTestDeps(t, defaultGenerator()))

	sendFrame(t, conn, map[string]any{"action": "dance", "request_id": "r9"})
	f := readFrame(t, conn)
	assert.Equal(t, "error", f["status"])
	assert.Equal(t, "r9", f["request_id"])
	assert.Contains(t, f["message"], "unknown action")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = readFrame(t, conn)
	assert.Equal(t, "error", f["status"])
}

func TestWS_StopCancelsAndSilencesRequest(t *testing.T) {
	gen := defaultGenerator()
	gen.block = make(chan struct{})
	conn := dialWS(t, newTestDeps(t, gen))

	sendFrame(t, conn, map[string]any{
		"action": "review_query", "request_id": "r1",
		"original_sql": agencyTemplate.SQL, "sql": agencyTemplate.SQL, "question": "premium by agency",
	})
	f := readFrame(t, conn)
	require.Equal(t, "review", f["step"])

	select {
	case <-gen.block:
	case <-time.After(5 * time.Second):
		t.Fatal("review never started")
	}

	sendFrame(t, conn, map[string]any{"action": "stop", "request_id": "r1"})
	f = readFrame(t, conn)
	assert.Equal(t, "stopped", f["status"])
	assert.Equal(t, "r1", f["request_id"])
	assert.EqualValues(t, 1, f["stopped"])

	// The next frame must belong to a new request, not the stopped one.
	sendFrame(t, conn, map[string]any{"action": "dance", "request_id": "r2"})
	f = readFrame(t, conn)
	assert.Equal(t, "r2", f["request_id"])
}

func TestWS_StopWithNothingInFlight(t *testing.T) {
	conn := dialWS(t, newTestDeps(t, defaultGenerator()))

	sendFrame(t, conn, map[string]any{"action": "stop"})
	f := readFrame(t, conn)
	assert.Equal(t, "stopped", f["status"])
	assert.EqualValues(t, 0, f["stopped"])
}
