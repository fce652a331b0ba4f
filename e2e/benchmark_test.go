//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/internal/dispatcher"
	"provisioner/pkg/cloudevent"
)

// BenchmarkSubmitJobs measures job submission through the API.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkSubmitJobs -benchtime=10s ./e2e/
func BenchmarkSubmitJobs(b *testing.B) {
	var callbackCount atomic.Int64
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callbackCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	tg, cleanup := getTarget(b)
	defer cleanup()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			resp, err := tg.do(http.MethodPost, "/v1/jobs", map[string]any{
				"type":     "health_check",
				"callback": map[string]any{"url": callbackServer.URL},
			})
			if err != nil {
				b.Errorf("Failed to create job: %v", err)
				continue
			}
			resp.Body.Close()
			// 503 means the queue is full; that is the backpressure under test.
			if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusServiceUnavailable {
				b.Errorf("Expected 202, got %d", resp.StatusCode)
			}
		}
	})

	b.StopTimer()
	b.ReportMetric(float64(callbackCount.Load()), "callbacks")
}

// TestCallbackThroughput measures how many webhooks the dispatcher delivers.
func TestCallbackThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping throughput test in short mode")
	}

	const (
		numCallbacks = 5000
		concurrency  = 50
	)

	var received atomic.Int64
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  numCallbacks,
		Workers:     concurrency,
		HTTPTimeout: 5 * time.Second,
	}, zap.NewNop().Sugar(), nil)
	defer d.Close(context.Background())

	start := time.Now()
	for i := range numCallbacks {
		event := cloudevent.New("provisioner.job.completed", "e2e", fmt.Sprintf("job-%d", i), map[string]any{"test": true})
		require.NoError(t, d.Dispatch(&dispatcher.Event{Payload: event, Destination: callbackServer.URL}))
	}
	dispatchDuration := time.Since(start)

	require.Eventually(t, func() bool {
		return received.Load() >= numCallbacks
	}, 30*time.Second, 50*time.Millisecond)
	total := time.Since(start)

	stats := d.Stats()
	t.Logf("Dispatched %d events in %v", numCallbacks, dispatchDuration)
	t.Logf("Delivered %d, failed %d, dropped %d in %v (%.0f/sec)",
		stats.Delivered, stats.Failed, stats.Dropped, total, float64(received.Load())/total.Seconds())
	assert.Zero(t, stats.Dropped)
}

// TestConcurrentJobsWithCallbacks submits many jobs and expects one
// completion webhook for each.
func TestConcurrentJobsWithCallbacks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent jobs test in short mode")
	}

	const (
		numJobs     = 50
		concurrency = 10
	)

	var mu sync.Mutex
	subjects := map[string]string{}
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		if err := json.NewDecoder(r.Body).Decode(&event); err == nil {
			subject, _ := event["subject"].(string)
			eventType, _ := event["type"].(string)
			mu.Lock()
			subjects[subject] = eventType
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	tg, cleanup := getTarget(t)
	defer cleanup()

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	var created, failed atomic.Int64

	start := time.Now()
	for range numJobs {
		wg.Add(1)
		semaphore <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-semaphore }()

			resp, err := tg.do(http.MethodPost, "/v1/jobs", map[string]any{
				"type":     "cleanup",
				"callback": map[string]any{"url": callbackServer.URL},
			})
			if err != nil {
				failed.Add(1)
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusAccepted {
				created.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	t.Logf("Created %d/%d jobs in %v (%d failed)", created.Load(), numJobs, time.Since(start), failed.Load())
	require.Equal(t, int64(numJobs), created.Load())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return int64(len(subjects)) >= created.Load()
	}, 60*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for subject, eventType := range subjects {
		assert.Equal(t, "provisioner.job.completed", eventType, subject)
	}
}
