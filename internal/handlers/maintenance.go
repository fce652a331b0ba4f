package handlers

import (
	"context"

	"provisioner/internal/job"
	"provisioner/internal/store"
)

// Cleanup terminates running instances past their expiry. A failing
// instance is marked errored and the sweep moves on.
func (h *Handlers) Cleanup(ctx context.Context, _ *job.Job) (map[string]any, error) {
	expired, err := h.store.ListExpiredInstances(ctx, h.now())
	if err != nil {
		return nil, err
	}

	stopped := 0
	for _, mi := range expired {
		if mi.ProviderInstanceID != "" {
			if _, err := h.manager.TerminateInstance(ctx, mi.ProviderInstanceID, mi.Provider); err != nil {
				h.logger.Warnw("Failed to terminate expired instance", "instance_id", mi.ID, "error", err)
				h.failInstance(ctx, mi.ID, err)
				continue
			}
		}
		if err := h.store.SetInstanceStatus(ctx, mi.ID, store.StatusTerminated, ""); err != nil {
			h.logger.Warnw("Failed to record expired instance", "instance_id", mi.ID, "error", err)
			continue
		}
		stopped++
	}

	if len(expired) > 0 {
		h.logger.Infow("Expired instances cleaned up", "expired", len(expired), "stopped", stopped)
	}
	return map[string]any{"stopped_count": stopped}, nil
}

// HealthCheck reports the provider manager's view of every provider.
func (h *Handlers) HealthCheck(_ context.Context, _ *job.Job) (map[string]any, error) {
	status := h.manager.HealthStatus()
	out := make(map[string]any, len(status))
	for name, s := range status {
		out[name] = s
	}
	return out, nil
}
