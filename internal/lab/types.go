package lab

import (
	"time"

	"provisioner/internal/job"
	"provisioner/internal/store"
)

// TemplateRequest is the body of POST /v1/templates.
type TemplateRequest struct {
	Slug               string `json:"slug"`
	DisplayName        string `json:"display_name"`
	ProviderTemplateID string `json:"provider_template_id"`
	Node               string `json:"node"`
	CPU                int    `json:"cpu"`
	MemoryMB           int    `json:"memory_mb"`
}

// ChainRequest is the body of POST /v1/chains.
type ChainRequest struct {
	Slug           string  `json:"slug"`
	DisplayName    string  `json:"display_name"`
	EstimatedHours int     `json:"estimated_hours"`
	TemplateIDs    []int64 `json:"template_ids"`
}

// StartRequest asks for a user's machine (TemplateID) or chain (ChainID).
type StartRequest struct {
	TemplateID int64             `json:"template_id,omitempty"`
	ChainID    int64             `json:"chain_id,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Callback   *job.CallbackSpec `json:"callback,omitempty"`
}

// StartResponse identifies the instance and the job submitted for it.
// Status is the instance's state when the job was submitted.
type StartResponse struct {
	InstanceID      int64                `json:"instance_id,omitempty"`
	ChainInstanceID int64                `json:"chain_instance_id,omitempty"`
	JobID           string               `json:"job_id"`
	Status          store.InstanceStatus `json:"status"`
}

// TemplateView is a catalog template.
type TemplateView struct {
	ID                 int64     `json:"id"`
	Slug               string    `json:"slug"`
	DisplayName        string    `json:"display_name"`
	ProviderTemplateID string    `json:"provider_template_id"`
	Node               string    `json:"node,omitempty"`
	CPU                int       `json:"cpu"`
	MemoryMB           int       `json:"memory_mb"`
	CreatedAt          time.Time `json:"created_at"`
}

func templateView(t store.Template) TemplateView {
	return TemplateView{
		ID:                 t.ID,
		Slug:               t.Slug,
		DisplayName:        t.DisplayName,
		ProviderTemplateID: t.ProviderTemplateID,
		Node:               t.Node,
		CPU:                t.CPU,
		MemoryMB:           t.MemoryMB,
		CreatedAt:          t.CreatedAt,
	}
}

// InstanceView is a user's machine instance.
type InstanceView struct {
	ID            int64                `json:"id"`
	TemplateID    int64                `json:"template_id"`
	Status        store.InstanceStatus `json:"status"`
	Provider      string               `json:"provider,omitempty"`
	AssignedIP    string               `json:"assigned_ip,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	StartedAt     *time.Time           `json:"started_at"`
	ExpiresAt     *time.Time           `json:"expires_at"`
	ExtendedCount int                  `json:"extended_count"`
}

func instanceView(mi store.MachineInstance) InstanceView {
	return InstanceView{
		ID:            mi.ID,
		TemplateID:    mi.TemplateID,
		Status:        mi.Status,
		Provider:      mi.Provider,
		AssignedIP:    mi.AssignedIP,
		ErrorMessage:  mi.ErrorMessage,
		StartedAt:     mi.StartedAt,
		ExpiresAt:     mi.ExpiresAt,
		ExtendedCount: mi.ExtendedCount,
	}
}

// ChainView is a chain and its template slugs in start order.
type ChainView struct {
	ID             int64    `json:"id"`
	Slug           string   `json:"slug"`
	DisplayName    string   `json:"display_name"`
	EstimatedHours int      `json:"estimated_hours"`
	Templates      []string `json:"templates"`
}

func chainView(c store.Chain, templates []string) ChainView {
	return ChainView{
		ID:             c.ID,
		Slug:           c.Slug,
		DisplayName:    c.DisplayName,
		EstimatedHours: c.EstimatedHours,
		Templates:      templates,
	}
}

// ChainInstanceView is a user's run of a chain.
type ChainInstanceView struct {
	ID           int64                `json:"id"`
	ChainID      int64                `json:"chain_id"`
	Status       store.InstanceStatus `json:"status"`
	ErrorMessage string               `json:"error_message,omitempty"`
	StartedAt    *time.Time           `json:"started_at"`
	ExpiresAt    *time.Time           `json:"expires_at"`
}

func chainInstanceView(ci store.ChainInstance) ChainInstanceView {
	return ChainInstanceView{
		ID:           ci.ID,
		ChainID:      ci.ChainID,
		Status:       ci.Status,
		ErrorMessage: ci.ErrorMessage,
		StartedAt:    ci.StartedAt,
		ExpiresAt:    ci.ExpiresAt,
	}
}
