package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/internal/health"
)

func newBareHandler() *Handler {
	return NewHandler(nil, nil, health.NewChecker(), nil, zap.NewNop().Sugar())
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	newBareHandler().Livez(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response health.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, health.StatusHealthy, response.Status)
}

func TestHandler_Readyz_NoDependencies(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	newBareHandler().Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response health.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, health.StatusUnhealthy, response.Status)
}

func TestHandler_CreateJob_BadBody(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "invalid json"},
		{"empty body", ""},
		{"malformed json", `{"type": machine_start}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			newBareHandler().CreateJob(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestHandler_EmptyJobID(t *testing.T) {
	t.Parallel()
	h := newBareHandler()

	w := httptest.NewRecorder()
	h.GetJob(w, httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.DeleteJob(w, httptest.NewRequest(http.MethodDelete, "/v1/jobs/", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Providers_NotConfigured(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	newBareHandler().Providers(w, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	LoggingMiddleware(zap.NewNop().Sugar())(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		RecoveryMiddleware(zap.NewNop().Sugar())(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		method      string
		contentType string
		wantCalled  bool
	}{
		{"wrong type", http.MethodPost, "text/plain", false},
		{"json", http.MethodPost, "application/json", true},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", true},
		{"no type", http.MethodPost, "", true},
		{"get ignores type", http.MethodGet, "text/plain", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(tt.method, "/test", bytes.NewBufferString("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			ContentTypeMiddleware()(inner).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCalled, called)
			if !tt.wantCalled {
				assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	})

	w := httptest.NewRecorder()
	CORSMiddleware()(inner).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader)
}

func TestMiddleware_Auth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		apiKey   string
		headers  map[string]string
		expected int
	}{
		{"disabled", "", nil, http.StatusOK},
		{"missing", "secret", nil, http.StatusUnauthorized},
		{"bearer", "secret", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"bearer lowercase scheme", "secret", map[string]string{"Authorization": "bearer secret"}, http.StatusOK},
		{"bad scheme", "secret", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"wrong bearer", "secret", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"api key header", "secret", map[string]string{APIKeyHeader: "secret"}, http.StatusOK},
		{"wrong api key header", "secret", map[string]string{APIKeyHeader: "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			AuthMiddleware(tt.apiKey)(inner).ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}
