package provider

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ThrottledProvider wraps a Provider so every backend call first waits on a
// shared rate limiter. HealthCheck bypasses the limiter so probes are never
// starved by a busy worker pool.
type ThrottledProvider struct {
	Provider
	limiter *rate.Limiter
}

// Throttled wraps p with limiter. A nil limiter returns p unchanged.
func Throttled(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &ThrottledProvider{Provider: p, limiter: limiter}
}

// NewLimiter builds a limiter allowing perSecond calls with the given burst.
// perSecond <= 0 means unlimited and returns nil.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (t *ThrottledProvider) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Wrap(errors.Wrap(err, "rate limit"), t.Name(), "throttle", true)
	}
	return nil
}

func (t *ThrottledProvider) Quota(ctx context.Context) (Quota, error) {
	if err := t.wait(ctx); err != nil {
		return Quota{}, err
	}
	return t.Provider.Quota(ctx)
}

func (t *ThrottledProvider) CreateInstance(ctx context.Context, templateID, name string, opts CreateOptions) (*VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.CreateInstance(ctx, templateID, name, opts)
}

func (t *ThrottledProvider) StartInstance(ctx context.Context, instanceID string) (*VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.StartInstance(ctx, instanceID)
}

func (t *ThrottledProvider) StopInstance(ctx context.Context, instanceID string, force bool) (*VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.StopInstance(ctx, instanceID, force)
}

func (t *ThrottledProvider) TerminateInstance(ctx context.Context, instanceID string) (bool, error) {
	if err := t.wait(ctx); err != nil {
		return false, err
	}
	return t.Provider.TerminateInstance(ctx, instanceID)
}

func (t *ThrottledProvider) GetInstance(ctx context.Context, instanceID string) (*VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.GetInstance(ctx, instanceID)
}

func (t *ThrottledProvider) ListInstances(ctx context.Context, filter ListFilter) ([]VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.ListInstances(ctx, filter)
}

func (t *ThrottledProvider) ResetInstance(ctx context.Context, instanceID, snapshot string) (*VMInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.ResetInstance(ctx, instanceID, snapshot)
}

// WaitForAddress is not throttled as a whole; the inner adapter polls on its
// own interval.
func (t *ThrottledProvider) WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration) (string, error) {
	return t.Provider.WaitForAddress(ctx, instanceID, timeout)
}

func (t *ThrottledProvider) ListTemplates(ctx context.Context) ([]Template, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.ListTemplates(ctx)
}
