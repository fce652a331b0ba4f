// Package simulated is an in-process provider. It keeps instances in memory,
// hands out deterministic addresses and supports fault injection, so the
// manager and handlers can be exercised without a real backend.
package simulated

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"provisioner/internal/provider"
	"provisioner/pkg/backoff"
)

// Op names a provider operation for call counting and fault injection.
type Op string

const (
	OpAny       Op = ""
	OpQuota     Op = "quota"
	OpCreate    Op = "create"
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpTerminate Op = "terminate"
	OpGet       Op = "get"
	OpList      Op = "list"
	OpReset     Op = "reset"
	OpTemplates Op = "templates"
)

const (
	vcpusPerInstance    = 2
	memoryGBPerInstance = 2
)

// Config tunes the simulated backend.
type Config struct {
	Name         string
	MaxInstances int           // default 20
	Templates    []string      // empty accepts any template id
	Snapshots    []string      // default ["clean"]
	AddressDelay time.Duration // time from start until an address is reported
	OpDelay      time.Duration // artificial latency on every mutating call
	PollInterval time.Duration // WaitForAddress poll interval, default 20ms

	Now func() time.Time
}

type instance struct {
	info      provider.VMInfo
	addressAt time.Time
	address   string
}

type fault struct {
	op        Op
	remaining int
	err       error
}

// Provider is the simulated backend.
type Provider struct {
	mu        sync.Mutex
	cfg       Config
	instances map[string]*instance
	snapshots map[string]bool
	seq       int
	healthy   bool
	faults    []*fault
	calls     map[Op]int
	inFlight  int
	peak      int
}

var _ provider.Provider = (*Provider)(nil)

// New creates a healthy simulated provider.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 20
	}
	if len(cfg.Snapshots) == 0 {
		cfg.Snapshots = []string{"clean"}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	snapshots := make(map[string]bool, len(cfg.Snapshots))
	for _, s := range cfg.Snapshots {
		snapshots[s] = true
	}
	return &Provider{
		cfg:       cfg,
		instances: make(map[string]*instance),
		snapshots: snapshots,
		healthy:   true,
		calls:     make(map[Op]int),
	}
}

func (p *Provider) Name() string        { return p.cfg.Name }
func (p *Provider) Kind() provider.Kind { return provider.KindSimulated }

// SetHealthy flips the result of HealthCheck.
func (p *Provider) SetHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// FailNext makes the next n calls of op return err. OpAny matches every
// operation. Faults are consumed in the order they were added.
func (p *Provider) FailNext(op Op, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, &fault{op: op, remaining: n, err: err})
}

// SetMaxInstances changes the capacity limit.
func (p *Provider) SetMaxInstances(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxInstances = n
}

// AddSnapshot makes a snapshot available to ResetInstance.
func (p *Provider) AddSnapshot(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[name] = true
}

// Calls returns how many times op was invoked. OpAny sums all operations.
func (p *Provider) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op == OpAny {
		total := 0
		for _, n := range p.calls {
			total += n
		}
		return total
	}
	return p.calls[op]
}

// PeakConcurrency is the highest number of simultaneous mutating calls seen.
func (p *Provider) PeakConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Count returns the number of live instances.
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

func (p *Provider) HealthCheck(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// begin counts the call and pops an injected fault if one matches.
func (p *Provider) begin(op Op) error {
	p.calls[op]++
	for i, f := range p.faults {
		if f.op != OpAny && f.op != op {
			continue
		}
		f.remaining--
		if f.remaining <= 0 {
			p.faults = slices.Delete(p.faults, i, i+1)
		}
		return f.err
	}
	return nil
}

// mutate runs fn under the lock after the configured latency, tracking
// concurrency across the whole call.
func (p *Provider) mutate(ctx context.Context, op Op, fn func() error) error {
	p.mu.Lock()
	if err := p.begin(op); err != nil {
		p.mu.Unlock()
		return err
	}
	p.inFlight++
	p.peak = max(p.peak, p.inFlight)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if err := backoff.Sleep(ctx, p.cfg.OpDelay); err != nil {
		return provider.Timeout(p.cfg.Name, string(op))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

func (p *Provider) Quota(context.Context) (provider.Quota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpQuota); err != nil {
		return provider.Quota{}, err
	}
	n := len(p.instances)
	return provider.Quota{
		MaxInstances:     p.cfg.MaxInstances,
		CurrentInstances: n,
		MaxVCPUs:         p.cfg.MaxInstances * vcpusPerInstance,
		CurrentVCPUs:     n * vcpusPerInstance,
		MaxMemoryGB:      float64(p.cfg.MaxInstances * memoryGBPerInstance),
		CurrentMemoryGB:  float64(n * memoryGBPerInstance),
	}, nil
}

func (p *Provider) CreateInstance(ctx context.Context, templateID, name string, opts provider.CreateOptions) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := p.mutate(ctx, OpCreate, func() error {
		if len(p.cfg.Templates) > 0 && !slices.Contains(p.cfg.Templates, templateID) {
			return provider.NotFound(p.cfg.Name, "template", templateID)
		}
		if len(p.instances) >= p.cfg.MaxInstances {
			return provider.Capacity(p.cfg.Name)
		}

		p.seq++
		now := p.cfg.Now()
		metadata := map[string]string{"template": templateID}
		for k, v := range opts.Labels {
			metadata[k] = v
		}
		if opts.Node != "" {
			metadata["node"] = opts.Node
		}
		inst := &instance{
			info: provider.VMInfo{
				Provider:   p.cfg.Name,
				InstanceID: fmt.Sprintf("sim-%d", p.seq),
				Name:       name,
				Status:     provider.StatusRunning,
				CreatedAt:  now,
				Metadata:   metadata,
			},
			address:   fmt.Sprintf("10.88.%d.%d", p.seq/250, p.seq%250+2),
			addressAt: now.Add(p.cfg.AddressDelay),
		}
		p.instances[inst.info.InstanceID] = inst
		out = p.view(inst)
		return nil
	})
	return out, err
}

func (p *Provider) StartInstance(ctx context.Context, instanceID string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := p.mutate(ctx, OpStart, func() error {
		inst, ok := p.instances[instanceID]
		if !ok {
			return provider.NotFound(p.cfg.Name, "instance", instanceID)
		}
		if inst.info.Status != provider.StatusRunning {
			inst.info.Status = provider.StatusRunning
			inst.addressAt = p.cfg.Now().Add(p.cfg.AddressDelay)
		}
		out = p.view(inst)
		return nil
	})
	return out, err
}

func (p *Provider) StopInstance(ctx context.Context, instanceID string, _ bool) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := p.mutate(ctx, OpStop, func() error {
		inst, ok := p.instances[instanceID]
		if !ok {
			return provider.NotFound(p.cfg.Name, "instance", instanceID)
		}
		inst.info.Status = provider.StatusStopped
		out = p.view(inst)
		return nil
	})
	return out, err
}

// TerminateInstance reports false without error when the instance is
// already gone.
func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) (bool, error) {
	var removed bool
	err := p.mutate(ctx, OpTerminate, func() error {
		if _, ok := p.instances[instanceID]; ok {
			delete(p.instances, instanceID)
			removed = true
		}
		return nil
	})
	return removed, err
}

// GetInstance returns nil, nil for unknown instances.
func (p *Provider) GetInstance(_ context.Context, instanceID string) (*provider.VMInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpGet); err != nil {
		return nil, err
	}
	inst, ok := p.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return p.view(inst), nil
}

func (p *Provider) ListInstances(_ context.Context, filter provider.ListFilter) ([]provider.VMInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpList); err != nil {
		return nil, err
	}

	out := make([]provider.VMInfo, 0, len(p.instances))
	for _, inst := range p.instances {
		if v := p.view(inst); filter.Matches(*v) {
			out = append(out, *v)
		}
	}
	slices.SortFunc(out, func(a, b provider.VMInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (p *Provider) ResetInstance(ctx context.Context, instanceID, snapshot string) (*provider.VMInfo, error) {
	var out *provider.VMInfo
	err := p.mutate(ctx, OpReset, func() error {
		inst, ok := p.instances[instanceID]
		if !ok {
			return provider.NotFound(p.cfg.Name, "instance", instanceID)
		}
		if !p.snapshots[snapshot] {
			return provider.NotFound(p.cfg.Name, "snapshot", snapshot)
		}
		inst.info.Status = provider.StatusRunning
		inst.info.Metadata["snapshot"] = snapshot
		inst.addressAt = p.cfg.Now().Add(p.cfg.AddressDelay)
		out = p.view(inst)
		return nil
	})
	return out, err
}

func (p *Provider) WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration) (string, error) {
	return provider.PollAddress(ctx, p.cfg.PollInterval, timeout, func(ctx context.Context) (string, error) {
		info, err := p.GetInstance(ctx, instanceID)
		if err != nil {
			return "", err
		}
		if info == nil {
			return "", provider.NotFound(p.cfg.Name, "instance", instanceID)
		}
		return info.Address, nil
	})
}

func (p *Provider) ListTemplates(context.Context) ([]provider.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpTemplates); err != nil {
		return nil, err
	}

	out := make([]provider.Template, 0, len(p.cfg.Templates))
	for _, id := range p.cfg.Templates {
		out = append(out, provider.Template{
			ID:       id,
			Name:     id,
			VCPUs:    vcpusPerInstance,
			MemoryMB: memoryGBPerInstance * 1024,
		})
	}
	return out, nil
}

// view copies an instance, exposing the address only once it is due and
// the instance is running. Callers hold p.mu.
func (p *Provider) view(inst *instance) *provider.VMInfo {
	info := inst.info
	info.Metadata = make(map[string]string, len(inst.info.Metadata))
	for k, v := range inst.info.Metadata {
		info.Metadata[k] = v
	}
	if info.Status == provider.StatusRunning && !p.cfg.Now().Before(inst.addressAt) {
		info.Address = inst.address
		info.PrivateIP = inst.address
	}
	return &info
}
