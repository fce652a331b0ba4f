package store

import "time"

// InstanceStatus is the persisted lifecycle state of a machine, chain or
// chain machine instance.
type InstanceStatus string

// Instance statuses
const (
	StatusPending      InstanceStatus = "pending"
	StatusProvisioning InstanceStatus = "provisioning"
	StatusStarting     InstanceStatus = "starting"
	StatusRunning      InstanceStatus = "running"
	StatusExtending    InstanceStatus = "extending"
	StatusStopping     InstanceStatus = "stopping"
	StatusStopped      InstanceStatus = "stopped"
	StatusTerminated   InstanceStatus = "terminated"
	StatusError        InstanceStatus = "error"
)

// Template is a machine image users can launch.
type Template struct {
	ID                 int64
	Slug               string
	DisplayName        string
	ProviderTemplateID string // template id understood by providers
	Node               string
	CPU                int
	MemoryMB           int
	CreatedAt          time.Time
}

// MachineInstance is one user's copy of a template.
type MachineInstance struct {
	ID                 int64
	UserID             int64
	TemplateID         int64
	Status             InstanceStatus
	Provider           string
	ProviderInstanceID string
	AssignedIP         string
	ErrorMessage       string
	StartedAt          *time.Time
	ExpiresAt          *time.Time
	ExtendedCount      int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Chain is a multi-machine scenario.
type Chain struct {
	ID             int64
	Slug           string
	DisplayName    string
	EstimatedHours int
	CreatedAt      time.Time
}

// ChainMachine is a template's place within a chain.
type ChainMachine struct {
	ChainID  int64
	Position int
	Template Template
}

// ChainInstance is one user's run of a chain.
type ChainInstance struct {
	ID           int64
	UserID       int64
	ChainID      int64
	Status       InstanceStatus
	ErrorMessage string
	StartedAt    *time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChainMachineInstance is one machine started for a chain instance.
type ChainMachineInstance struct {
	ID                 int64
	ChainInstanceID    int64
	TemplateID         int64
	Status             InstanceStatus
	Provider           string
	ProviderInstanceID string
	AssignedIP         string
}
