// Package provider defines the capability contract every infrastructure
// backend implements, plus the value types and errors shared by adapters.
package provider

import (
	"context"
	"time"
)

// Kind tags a backend implementation. The set is closed: each Kind has
// exactly one adapter package.
type Kind string

const (
	KindDocker    Kind = "docker"
	KindSimulated Kind = "simulated"
)

// Status is the observed state of a remote instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
	StatusUnknown    Status = "unknown"
)

// DefaultPollInterval is how often WaitForAddress re-checks an instance.
const DefaultPollInterval = 5 * time.Second

// Provider is the uniform contract for an infrastructure backend.
//
// Mutating calls must be safe to retry: stopping a stopped instance or
// terminating a missing one is not an error.
type Provider interface {
	// Name identifies this backend instance in logs, locks and health output.
	Name() string
	Kind() Kind

	// HealthCheck never fails; any problem reports false.
	HealthCheck(ctx context.Context) bool
	Quota(ctx context.Context) (Quota, error)

	CreateInstance(ctx context.Context, templateID, name string, opts CreateOptions) (*VMInfo, error)
	StartInstance(ctx context.Context, instanceID string) (*VMInfo, error)
	StopInstance(ctx context.Context, instanceID string, force bool) (*VMInfo, error)
	TerminateInstance(ctx context.Context, instanceID string) (bool, error)

	// GetInstance returns nil, nil when the instance does not exist.
	GetInstance(ctx context.Context, instanceID string) (*VMInfo, error)
	ListInstances(ctx context.Context, filter ListFilter) ([]VMInfo, error)

	// ResetInstance stops the instance, restores the named snapshot and
	// starts it again. A missing instance or snapshot is a NotFound error.
	ResetInstance(ctx context.Context, instanceID, snapshot string) (*VMInfo, error)

	// WaitForAddress polls until the instance reports an address. It returns
	// "" without error when timeout elapses first.
	WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration) (string, error)

	ListTemplates(ctx context.Context) ([]Template, error)
}

// VMInfo describes a remote instance as last observed.
type VMInfo struct {
	Provider   string            `json:"provider"`
	InstanceID string            `json:"instance_id"`
	Name       string            `json:"name"`
	Status     Status            `json:"status"`
	Address    string            `json:"ip_address,omitempty"`
	PrivateIP  string            `json:"private_ip,omitempty"`
	PublicIP   string            `json:"public_ip,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Quota is a backend's resource ceiling and current usage.
type Quota struct {
	MaxInstances     int     `json:"max_instances"`
	CurrentInstances int     `json:"current_instances"`
	MaxVCPUs         int     `json:"max_vcpus"`
	CurrentVCPUs     int     `json:"current_vcpus"`
	MaxMemoryGB      float64 `json:"max_memory_gb"`
	CurrentMemoryGB  float64 `json:"current_memory_gb"`
}

// AvailableInstances is the remaining instance headroom, never negative.
func (q Quota) AvailableInstances() int {
	return max(0, q.MaxInstances-q.CurrentInstances)
}

// HasCapacity reports whether at least one more instance fits.
func (q Quota) HasCapacity() bool {
	return q.AvailableInstances() > 0
}

// Template is a machine image a backend can instantiate.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
	VCPUs    int    `json:"vcpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

// CreateOptions carries optional placement and sizing hints.
type CreateOptions struct {
	Node     string
	VCPUs    int
	MemoryMB int
	Labels   map[string]string
}

// ListFilter narrows ListInstances. Empty fields match everything.
type ListFilter struct {
	Status     Status
	NamePrefix string
	Labels     map[string]string
}

// Matches reports whether info passes the filter.
func (f ListFilter) Matches(info VMInfo) bool {
	if f.Status != "" && info.Status != f.Status {
		return false
	}
	if f.NamePrefix != "" && (len(info.Name) < len(f.NamePrefix) || info.Name[:len(f.NamePrefix)] != f.NamePrefix) {
		return false
	}
	for k, v := range f.Labels {
		if info.Metadata[k] != v {
			return false
		}
	}
	return true
}
