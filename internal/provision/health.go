package provision

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"provisioner/internal/provider"
	"provisioner/pkg/circuitbreaker"
)

// Health tracks one provider: the last probe result, consecutive probe
// failures, its circuit breaker and the last quota seen.
type Health struct {
	provider provider.Provider
	breaker  *circuitbreaker.Breaker

	mu                  sync.RWMutex
	healthy             bool
	lastCheck           time.Time
	consecutiveFailures int
	quota               *provider.Quota
}

func newHealth(p provider.Provider, breaker *circuitbreaker.Breaker) *Health {
	return &Health{provider: p, breaker: breaker}
}

// Provider returns the tracked adapter.
func (h *Health) Provider() provider.Provider { return h.provider }

// Breaker returns the provider's circuit breaker.
func (h *Health) Breaker() *circuitbreaker.Breaker { return h.breaker }

// Healthy reports the last probe result.
func (h *Health) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// selectable reports whether the provider may take new work. It consults the
// breaker, which may move an open breaker to half-open.
func (h *Health) selectable() bool {
	if !h.reachable() {
		return false
	}
	h.mu.RLock()
	quota := h.quota
	h.mu.RUnlock()
	return quota == nil || quota.HasCapacity()
}

// reachable is selectable without the quota check.
func (h *Health) reachable() bool {
	return h.Healthy() && h.breaker.Allow()
}

// probe runs one health check. A panic or a check that exceeds ctx marks
// the provider unhealthy.
func (h *Health) probe(ctx context.Context, now time.Time) (healthy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("health check panicked: %v", r)
			healthy = false
			h.markFailed(now)
		}
	}()

	healthy = h.provider.HealthCheck(ctx)
	if !healthy {
		h.markFailed(now)
		return false, nil
	}

	h.mu.Lock()
	h.healthy = true
	h.lastCheck = now
	h.consecutiveFailures = 0
	h.mu.Unlock()
	h.breaker.RecordSuccess()

	if q, qerr := h.provider.Quota(ctx); qerr == nil {
		h.setQuota(q)
	} else {
		err = qerr
	}
	return true, err
}

func (h *Health) markFailed(now time.Time) {
	h.mu.Lock()
	h.healthy = false
	h.lastCheck = now
	h.consecutiveFailures++
	h.mu.Unlock()
	h.breaker.RecordFailure()
}

func (h *Health) setQuota(q provider.Quota) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.quota = &q
}

// markFull records the provider as having no free instance slots.
func (h *Health) markFull() {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := provider.Quota{}
	if h.quota != nil {
		q = *h.quota
	}
	q.CurrentInstances = max(q.CurrentInstances, q.MaxInstances)
	h.quota = &q
}

// QuotaStatus is the quota part of a health snapshot.
type QuotaStatus struct {
	MaxInstances     int `json:"max_instances"`
	CurrentInstances int `json:"current_instances"`
	Available        int `json:"available"`
}

// HealthStatus is a read-only view of one provider's health.
type HealthStatus struct {
	Provider            string        `json:"provider"`
	Kind                provider.Kind `json:"kind"`
	Healthy             bool          `json:"is_healthy"`
	LastCheck           *time.Time    `json:"last_check"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitState        string        `json:"circuit_state"`
	Quota               *QuotaStatus  `json:"quota"`
}

func (h *Health) status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HealthStatus{
		Provider:            h.provider.Name(),
		Kind:                h.provider.Kind(),
		Healthy:             h.healthy,
		ConsecutiveFailures: h.consecutiveFailures,
		CircuitState:        h.breaker.State().String(),
	}
	if !h.lastCheck.IsZero() {
		t := h.lastCheck
		s.LastCheck = &t
	}
	if h.quota != nil {
		s.Quota = &QuotaStatus{
			MaxInstances:     h.quota.MaxInstances,
			CurrentInstances: h.quota.CurrentInstances,
			Available:        h.quota.AvailableInstances(),
		}
	}
	return s
}
