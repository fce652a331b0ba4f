// Package provision routes lifecycle operations to infrastructure providers.
// The Manager picks a healthy provider, serializes conflicting operations
// through a Locker and retries transient failures with backoff, failing over
// to another provider when the first one cannot serve.
package provision

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioner/internal/apperrors"
	"provisioner/internal/lock"
	"provisioner/internal/observability"
	"provisioner/internal/provider"
	"provisioner/pkg/backoff"
	"provisioner/pkg/circuitbreaker"
)

// Config tunes the Manager. Zero values use defaults.
type Config struct {
	MaxRetries          int           // Attempts per operation (default 3)
	BaseRetryDelay      time.Duration // First backoff delay (default 1s)
	MaxRetryDelay       time.Duration // Backoff ceiling (default 30s)
	HealthCheckInterval time.Duration // Background probe period (default 30s)
	ProbeTimeout        time.Duration // Per-provider probe deadline (default 10s)
	LockTimeout         time.Duration // Lock wait for create/start/stop/terminate (default 30s)
	ResetLockTimeout    time.Duration // Lock wait for reset (default 120s)
	AddressTimeout      time.Duration // Default WaitForAddress timeout (default 300s)
	Breaker             circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.ResetLockTimeout <= 0 {
		c.ResetLockTimeout = 120 * time.Second
	}
	if c.AddressTimeout <= 0 {
		c.AddressTimeout = 300 * time.Second
	}
	return c
}

// Manager owns the registered providers and their health.
type Manager struct {
	cfg      Config
	locker   lock.Locker
	breakers *circuitbreaker.Registry
	logger   *zap.SugaredLogger
	metrics  *observability.Metrics
	now      func() time.Time

	mu        sync.RWMutex
	providers []*Health // registration order
	byName    map[string]*Health

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a Manager with no providers. metrics may be nil.
func NewManager(cfg Config, locker lock.Locker, logger *zap.SugaredLogger, metrics *observability.Metrics) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		locker:   locker,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		logger:   logger.Named("provision"),
		metrics:  metrics,
		now:      time.Now,
		byName:   make(map[string]*Health),
	}
}

// Register adds a provider after probing it once. Registration order is the
// failover order.
func (m *Manager) Register(ctx context.Context, p provider.Provider) error {
	m.mu.Lock()
	if _, exists := m.byName[p.Name()]; exists {
		m.mu.Unlock()
		return apperrors.Conflict("provider", p.Name(), "already registered")
	}
	h := newHealth(p, m.breakers.Get(p.Name()))
	m.providers = append(m.providers, h)
	m.byName[p.Name()] = h
	m.mu.Unlock()

	m.probe(ctx, h)
	m.logger.Infow("Registered provider", "provider", p.Name(), "kind", p.Kind(), "healthy", h.Healthy())
	return nil
}

// Initialize registers every provider and starts the background probe.
func (m *Manager) Initialize(ctx context.Context, providers []provider.Provider) error {
	for _, p := range providers {
		if err := m.Register(ctx, p); err != nil {
			return err
		}
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHealthMonitor(probeCtx)
	}()

	m.logger.Infow("Provider manager initialized", "providers", len(providers), "probeInterval", m.cfg.HealthCheckInterval)
	return nil
}

// Shutdown stops the background probe and waits for it to exit.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

func (m *Manager) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every provider once.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, h := range m.snapshot() {
		m.probe(ctx, h)
	}
}

func (m *Manager) probe(ctx context.Context, h *Health) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	healthy, err := h.probe(probeCtx, m.now())
	name := h.provider.Name()
	switch {
	case !healthy && err != nil:
		m.logger.Errorw("Health check failed", "provider", name, "error", err)
	case !healthy:
		m.logger.Warnw("Provider unhealthy", "provider", name, "circuit", h.breaker.State().String())
	case err != nil:
		m.logger.Warnw("Quota refresh failed", "provider", name, "error", err)
	}
	m.metrics.RecordProviderHealth(ctx, name, healthy, int(h.breaker.State()))
}

func (m *Manager) snapshot() []*Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Health(nil), m.providers...)
}

// available returns the preferred provider if it can take work, otherwise
// the first selectable provider in registration order.
func (m *Manager) available(preferred string) *Health {
	m.mu.RLock()
	pref := m.byName[preferred]
	m.mu.RUnlock()

	if pref != nil && pref.selectable() {
		return pref
	}
	for _, h := range m.snapshot() {
		if h == pref {
			continue
		}
		if h.selectable() {
			return h
		}
	}
	return nil
}

// withRetry runs fn against a selected provider up to MaxRetries times.
// Each attempt re-selects, so a failing provider whose breaker opens is
// skipped on the next attempt.
func (m *Manager) withRetry(ctx context.Context, op, preferred string, fn func(context.Context, provider.Provider) error) error {
	start := m.now()
	var lastErr error
	var lastProvider string

	defer func() {
		if lastProvider != "" {
			m.metrics.RecordProviderOperation(ctx, lastProvider, op, lastErr == nil, time.Since(start).Seconds())
		}
	}()

	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		h := m.available(preferred)
		if h == nil {
			if attempt == 0 {
				lastErr = provider.Capacity(preferred)
			}
			return lastErr
		}
		lastProvider = h.provider.Name()

		err := fn(ctx, h.provider)
		if err == nil {
			h.breaker.RecordSuccess()
			lastErr = nil
			return nil
		}
		lastErr = err

		var pe *provider.Error
		if !errors.As(err, &pe) {
			h.breaker.RecordFailure()
			m.metrics.RecordProviderFailure(ctx, lastProvider, op)
			m.logger.Errorw("Unexpected provider error", "provider", lastProvider, "operation", op, "error", err)
			lastErr = provider.Wrap(err, lastProvider, op, false)
			return lastErr
		}
		if !pe.Retriable() {
			return err
		}

		h.breaker.RecordFailure()
		m.metrics.RecordProviderFailure(ctx, lastProvider, op)
		if pe.Code == provider.CodeCapacity {
			m.refreshQuota(ctx, h)
		}
		if attempt == m.cfg.MaxRetries-1 {
			break
		}

		delay := backoff.Exponential(attempt, &backoff.Config{Initial: m.cfg.BaseRetryDelay, Max: m.cfg.MaxRetryDelay})
		m.logger.Warnw("Provider operation failed, retrying",
			"provider", lastProvider,
			"operation", op,
			"attempt", attempt+1,
			"maxAttempts", m.cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return lastErr
		}
	}
	return lastErr
}

// refreshQuota re-reads a provider's quota after it reported no capacity.
// If the read fails the provider is treated as full until the next probe.
func (m *Manager) refreshQuota(ctx context.Context, h *Health) {
	q, err := h.provider.Quota(ctx)
	if err != nil {
		m.logger.Warnw("Quota refresh failed", "provider", h.provider.Name(), "error", err)
		h.markFull()
		return
	}
	h.setQuota(q)
	if q.HasCapacity() {
		h.markFull()
	}
}

// withLock holds key for the duration of fn. Failing to get the lock in
// time is a non-retriable "operation in progress" error.
func (m *Manager) withLock(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	release, err := m.locker.Acquire(ctx, key, timeout)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return provider.NewError("", "operation in progress: "+key, false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provider.Wrap(err, "", "acquire lock "+key, true)
	}
	defer release()
	return fn()
}

// CreateInstance provisions a new instance from templateID. Concurrent
// creates for the same user and template are serialized.
func (m *Manager) CreateInstance(ctx context.Context, userID int64, templateID, name string, opts provider.CreateOptions, preferred string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	key := createKey(userID, templateID)
	err := m.withLock(ctx, key, m.cfg.LockTimeout, func() error {
		return m.withRetry(ctx, "create", preferred, func(ctx context.Context, p provider.Provider) error {
			info, err := p.CreateInstance(ctx, templateID, name, opts)
			out = info
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartInstance powers on an existing instance.
func (m *Manager) StartInstance(ctx context.Context, instanceID, preferred string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := m.withLock(ctx, "start:"+instanceID, m.cfg.LockTimeout, func() error {
		return m.withRetry(ctx, "start", preferred, func(ctx context.Context, p provider.Provider) error {
			info, err := p.StartInstance(ctx, instanceID)
			out = info
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StopInstance powers off an instance. force skips the graceful shutdown.
func (m *Manager) StopInstance(ctx context.Context, instanceID string, force bool, preferred string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := m.withLock(ctx, "stop:"+instanceID, m.cfg.LockTimeout, func() error {
		return m.withRetry(ctx, "stop", preferred, func(ctx context.Context, p provider.Provider) error {
			info, err := p.StopInstance(ctx, instanceID, force)
			out = info
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TerminateInstance destroys an instance. It reports false when the
// instance was already gone.
func (m *Manager) TerminateInstance(ctx context.Context, instanceID, preferred string) (bool, error) {
	var removed bool
	err := m.withLock(ctx, "terminate:"+instanceID, m.cfg.LockTimeout, func() error {
		return m.withRetry(ctx, "terminate", preferred, func(ctx context.Context, p provider.Provider) error {
			ok, err := p.TerminateInstance(ctx, instanceID)
			removed = ok
			return err
		})
	})
	return removed, err
}

// ResetInstance restores an instance to a snapshot.
func (m *Manager) ResetInstance(ctx context.Context, instanceID, snapshot, preferred string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := m.withLock(ctx, "reset:"+instanceID, m.cfg.ResetLockTimeout, func() error {
		return m.withRetry(ctx, "reset", preferred, func(ctx context.Context, p provider.Provider) error {
			info, err := p.ResetInstance(ctx, instanceID, snapshot)
			out = info
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// owner picks the provider to read an existing instance from. It follows
// the same order as available but ignores quota, which only gates new work.
func (m *Manager) owner(preferred string) *Health {
	m.mu.RLock()
	pref := m.byName[preferred]
	m.mu.RUnlock()

	if pref != nil && pref.reachable() {
		return pref
	}
	for _, h := range m.snapshot() {
		if h != pref && h.reachable() {
			return h
		}
	}
	return nil
}

// GetInstance reads an instance from its provider. It returns nil, nil
// when no provider is available or the instance does not exist.
func (m *Manager) GetInstance(ctx context.Context, instanceID, preferred string) (*provider.VMInfo, error) {
	h := m.owner(preferred)
	if h == nil {
		return nil, nil
	}
	return h.provider.GetInstance(ctx, instanceID)
}

// WaitForAddress polls the instance's provider for its address. timeout <= 0
// uses the configured default. It returns "" when no provider is available
// or the wait times out.
func (m *Manager) WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration, preferred string) (string, error) {
	h := m.owner(preferred)
	if h == nil {
		return "", nil
	}
	if timeout <= 0 {
		timeout = m.cfg.AddressTimeout
	}
	return h.provider.WaitForAddress(ctx, instanceID, timeout)
}

// Templates lists templates across healthy providers, optionally limited to
// one kind. The first provider to report a template ID wins.
func (m *Manager) Templates(ctx context.Context, kind provider.Kind) ([]provider.Template, error) {
	seen := make(map[string]bool)
	var out []provider.Template
	var errs error

	for _, h := range m.snapshot() {
		if !h.Healthy() || (kind != "" && h.provider.Kind() != kind) {
			continue
		}
		templates, err := h.provider.ListTemplates(ctx)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "list templates on %s", h.provider.Name()))
			continue
		}
		for _, t := range templates {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	if len(out) == 0 && errs != nil {
		return nil, errs
	}
	return out, nil
}

// HealthStatus returns a snapshot of every provider's health by name.
func (m *Manager) HealthStatus() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, h := range m.snapshot() {
		out[h.provider.Name()] = h.status()
	}
	return out
}

// Providers returns provider names in registration order.
func (m *Manager) Providers() []string {
	hs := m.snapshot()
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.provider.Name()
	}
	return names
}

// BreakerStats summarizes breaker states across providers.
func (m *Manager) BreakerStats() circuitbreaker.Stats {
	return m.breakers.Stats()
}

// Ready reports an error unless at least one provider is healthy with a
// breaker that is not open. It does not change breaker state.
func (m *Manager) Ready(context.Context) error {
	hs := m.snapshot()
	if len(hs) == 0 {
		return apperrors.Unavailable("providers", "none registered")
	}
	for _, h := range hs {
		if h.Healthy() && h.breaker.State() != circuitbreaker.Open {
			return nil
		}
	}
	return apperrors.Unavailable("providers", "no healthy provider")
}

func createKey(userID int64, templateID string) string {
	return "create:" + strconv.FormatInt(userID, 10) + ":" + templateID
}
