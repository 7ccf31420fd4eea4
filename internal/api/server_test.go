package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealth_IsPublic(t *testing.T) {
	h := NewHandler(newTestDeps(t, defaultGenerator()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetrics_IsPublic(t *testing.T) {
	h := NewHandler(newTestDeps(t, defaultGenerator()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "querysmith_")
}

func TestBearerAuth(t *testing.T) {
	h := NewHandler(newTestDeps(t, defaultGenerator()))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, "", http.StatusUnauthorized},
		{"header", "Bearer " + testToken, "", http.StatusOK},
		{"query param", "", "?access_token=" + testToken, http.StatusOK},
		{"header wins over query", "Bearer nope", "?access_token=" + testToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/templates"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHTTPError_Shape(t *testing.T) {
	w := httptest.NewRecorder()
	httpError(w, http.StatusNotFound, "not_found", "template %s not found", "x")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"message":"template x not found","type":"not_found"}}`, w.Body.String())
}
