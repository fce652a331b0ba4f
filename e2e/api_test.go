//go:build e2e

// Package e2e exercises the provisioner over HTTP. Tests run against
// E2E_API_URL when set, otherwise against an in-process service backed by
// a simulated provider.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/internal/api"
	"provisioner/internal/app"
	"provisioner/internal/config"
	"provisioner/internal/health"
	"provisioner/pkg/cloudevent"
)

const localAPIKey = "e2e-key"

type target struct {
	url    string
	apiKey string
	client *http.Client
}

// getTarget returns the service under test and its cleanup.
func getTarget(tb testing.TB) (*target, func()) {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return &target{url: url, apiKey: os.Getenv("E2E_API_KEY"), client: &http.Client{Timeout: 30 * time.Second}}, func() {}
	}

	cfg, err := config.Load("")
	require.NoError(tb, err)
	cfg.Service.APIKey = localAPIKey
	cfg.Store.Path = filepath.Join(tb.TempDir(), "provisioner.db")
	cfg.Queue.Workers = 4
	cfg.Maintenance = config.MaintenanceConfig{}
	cfg.Providers = []config.ProviderConfig{config.DefaultProvider()}

	a, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop().Sugar()})
	require.NoError(tb, err)
	a.Start()
	server := httptest.NewServer(a.Handler())

	cleanup := func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	}
	return &target{url: server.URL, apiKey: localAPIKey, client: server.Client()}, cleanup
}

func (tg *target) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tg.url+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tg.apiKey != "" {
		req.Header.Set(api.APIKeyHeader, tg.apiKey)
	}
	return tg.client.Do(req)
}

func (tg *target) submit(t *testing.T, body map[string]any) string {
	t.Helper()
	resp, err := tg.do(http.MethodPost, "/v1/jobs", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created["id"])
	return created["id"]
}

func (tg *target) job(t *testing.T, id string) map[string]any {
	t.Helper()
	resp, err := tg.do(http.MethodGet, "/v1/jobs/"+id, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	return view
}

func (tg *target) waitFinished(t *testing.T, id string) map[string]any {
	t.Helper()
	var view map[string]any
	require.Eventually(t, func() bool {
		view = tg.job(t, id)
		switch view["status"] {
		case "completed", "failed", "cancelled":
			return true
		}
		return false
	}, 30*time.Second, 100*time.Millisecond)
	return view
}

func TestAPI_Probes(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	resp, err := tg.client.Get(tg.url + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = tg.client.Get(tg.url + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEqual(t, health.StatusUnhealthy, result.Status)
}

func TestAPI_RequiresAuth(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()
	if tg.apiKey == "" {
		t.Skip("target has no API key")
	}

	resp, err := tg.client.Get(tg.url + "/v1/queue")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_HealthCheckJobCompletes(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	id := tg.submit(t, map[string]any{"type": "health_check", "priority": "high"})
	view := tg.waitFinished(t, id)

	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, "health_check", view["job_type"])
	result, ok := view["result"].(map[string]any)
	require.True(t, ok, "health check returns per-provider status")
	assert.NotEmpty(t, result)
}

func TestAPI_CleanupJobCompletes(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	id := tg.submit(t, map[string]any{"type": "cleanup", "priority": "background"})
	view := tg.waitFinished(t, id)

	assert.Equal(t, "completed", view["status"])
	result, ok := view["result"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, result, "stopped_count")
}

func TestAPI_MissingInstanceFailsWithoutRetry(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	id := tg.submit(t, map[string]any{
		"type":         "machine_stop",
		"user_id":      7,
		"max_attempts": 3,
		"payload":      map[string]any{"instance_id": 987654321},
	})
	view := tg.waitFinished(t, id)

	assert.Equal(t, "failed", view["status"])
	assert.EqualValues(t, 1, view["attempts"])
	assert.NotEmpty(t, view["error"])
}

func TestAPI_Cancel(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	id := tg.submit(t, map[string]any{"type": "cleanup", "priority": "background"})

	resp, err := tg.do(http.MethodDelete, "/v1/jobs/"+id, nil)
	require.NoError(t, err)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		assert.Equal(t, "cancelled", tg.job(t, id)["status"])
	case http.StatusConflict:
		t.Log("job was picked up before cancellation")
	default:
		t.Fatalf("unexpected cancel status %d", resp.StatusCode)
	}
}

func TestAPI_UserJobs(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	userID := time.Now().UnixNano() % 1_000_000
	for range 3 {
		tg.submit(t, map[string]any{
			"type":    "machine_extend",
			"user_id": userID,
			"payload": map[string]any{"instance_id": 1, "hours": 1},
		})
	}

	resp, err := tg.do(http.MethodGet, fmt.Sprintf("/v1/users/%d/jobs?limit=2", userID), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Jobs, 2)
}

func TestAPI_JobWithCallback(t *testing.T) {
	const signingKey = "e2e-secret"

	var mu sync.Mutex
	var events []map[string]any
	var signatures []string
	var bodies [][]byte

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event map[string]any
		_ = json.Unmarshal(body, &event)

		mu.Lock()
		events = append(events, event)
		signatures = append(signatures, r.Header.Get(cloudevent.SignatureHeader))
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	var callbackURL string
	if callbackHost := os.Getenv("E2E_CALLBACK_HOST"); callbackHost != "" {
		port := "19876"
		if p := os.Getenv("E2E_CALLBACK_PORT"); p != "" {
			port = p
		}
		server := &http.Server{Addr: ":" + port, Handler: handler}
		go func() {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				t.Logf("Callback server error: %v", err)
			}
		}()
		defer server.Close()
		callbackURL = fmt.Sprintf("http://%s:%s", callbackHost, port)
	} else {
		callbackServer := httptest.NewServer(handler)
		defer callbackServer.Close()
		callbackURL = callbackServer.URL
	}

	tg, cleanup := getTarget(t)
	defer cleanup()

	id := tg.submit(t, map[string]any{
		"type":     "health_check",
		"callback": map[string]any{"url": callbackURL, "key": signingKey},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 30*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "provisioner.job.completed", events[0]["type"])
	assert.Equal(t, id, events[0]["subject"])
	assert.Equal(t, cloudevent.Sign(bodies[0], signingKey), signatures[0])
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	for _, body := range []map[string]any{
		{"payload": map[string]any{}},
		{"type": "machine_start", "payload": map[string]any{"instance_id": 1}},
		{"type": "cleanup", "max_attempts": 99},
	} {
		resp, err := tg.do(http.MethodPost, "/v1/jobs", body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", body)
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	tg, cleanup := getTarget(t)
	defer cleanup()

	const numJobs = 10
	var wg sync.WaitGroup
	ids := make(chan string, numJobs)
	errs := make(chan error, numJobs)
	for i := range numJobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tg.do(http.MethodPost, "/v1/jobs", map[string]any{"type": "health_check"})
			if err != nil {
				errs <- fmt.Errorf("job %d: create failed: %w", i, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				errs <- fmt.Errorf("job %d: expected 202, got %d", i, resp.StatusCode)
				return
			}
			var created map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				errs <- err
				return
			}
			ids <- created["id"]
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	for id := range ids {
		assert.Equal(t, "completed", tg.waitFinished(t, id)["status"])
	}
}
