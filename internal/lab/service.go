// Package lab manages the template and chain catalog and turns user start
// and stop requests into lifecycle jobs.
package lab

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioner/internal/apperrors"
	"provisioner/internal/job"
	"provisioner/internal/provider"
	"provisioner/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Store is the persistence the lab service reads and writes.
type Store interface {
	CreateTemplate(ctx context.Context, t *store.Template) error
	GetTemplate(ctx context.Context, id int64) (*store.Template, error)
	ListTemplates(ctx context.Context) ([]store.Template, error)

	CreateInstance(ctx context.Context, mi *store.MachineInstance) error
	GetInstance(ctx context.Context, id int64) (*store.MachineInstance, error)
	FindUserInstance(ctx context.Context, userID, templateID int64) (*store.MachineInstance, error)
	ListUserInstances(ctx context.Context, userID int64) ([]store.MachineInstance, error)

	CreateChain(ctx context.Context, c *store.Chain, templateIDs []int64) error
	GetChain(ctx context.Context, id int64) (*store.Chain, error)
	ListChains(ctx context.Context) ([]store.Chain, error)
	ChainMachines(ctx context.Context, chainID int64) ([]store.ChainMachine, error)

	CreateChainInstance(ctx context.Context, ci *store.ChainInstance) error
	GetChainInstance(ctx context.Context, id int64) (*store.ChainInstance, error)
	FindUserChainInstance(ctx context.Context, userID, chainID int64) (*store.ChainInstance, error)
	ListUserChainInstances(ctx context.Context, userID int64) ([]store.ChainInstance, error)
}

var _ Store = (*store.SQLite)(nil)

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req job.EnqueueRequest) (string, error)
}

// Backends lists registered providers and the templates they offer.
type Backends interface {
	Templates(ctx context.Context, kind provider.Kind) ([]provider.Template, error)
	Providers() []string
}

// Service fronts the catalog and the lifecycle jobs.
type Service struct {
	store    Store
	queue    Enqueuer
	backends Backends
	logger   *zap.SugaredLogger
}

// NewService creates a lab service. backends may be nil.
func NewService(s Store, queue Enqueuer, backends Backends, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:    s,
		queue:    queue,
		backends: backends,
		logger:   logger.Named("lab"),
	}
}

// CreateTemplate registers a catalog template.
func (s *Service) CreateTemplate(ctx context.Context, req *TemplateRequest) (TemplateView, error) {
	if !slugPattern.MatchString(req.Slug) {
		return TemplateView{}, apperrors.Validation("slug", "slug must be lowercase alphanumeric with hyphens")
	}
	if req.ProviderTemplateID == "" {
		return TemplateView{}, apperrors.Validation("provider_template_id", "provider_template_id is required")
	}
	if req.CPU < 0 || req.MemoryMB < 0 {
		return TemplateView{}, apperrors.Validation("cpu", "cpu and memory_mb cannot be negative")
	}

	t := &store.Template{
		Slug:               req.Slug,
		DisplayName:        req.DisplayName,
		ProviderTemplateID: req.ProviderTemplateID,
		Node:               req.Node,
		CPU:                req.CPU,
		MemoryMB:           req.MemoryMB,
	}
	if t.DisplayName == "" {
		t.DisplayName = t.Slug
	}
	if t.CPU == 0 {
		t.CPU = 2
	}
	if t.MemoryMB == 0 {
		t.MemoryMB = 2048
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return TemplateView{}, err
	}
	s.logger.Infow("Template created", "template_id", t.ID, "slug", t.Slug)
	return templateView(*t), nil
}

// Templates lists the catalog.
func (s *Service) Templates(ctx context.Context) ([]TemplateView, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TemplateView, len(templates))
	for i, t := range templates {
		out[i] = templateView(t)
	}
	return out, nil
}

// ProviderTemplates lists what the healthy providers can instantiate,
// optionally limited to one provider kind.
func (s *Service) ProviderTemplates(ctx context.Context, kind string) ([]provider.Template, error) {
	if s.backends == nil {
		return nil, apperrors.Unavailable("providers", "provider manager not configured")
	}
	k := provider.Kind(kind)
	if k != "" && k != provider.KindDocker && k != provider.KindSimulated {
		return nil, apperrors.Validation("kind", fmt.Sprintf("unknown provider kind %q", kind))
	}
	templates, err := s.backends.Templates(ctx, k)
	if err != nil {
		return nil, err
	}
	if templates == nil {
		templates = []provider.Template{}
	}
	return templates, nil
}

// StartMachine creates the user's instance of a template if needed and
// submits machine_start for it. Repeated requests while the job is live
// return the same job.
func (s *Service) StartMachine(ctx context.Context, userID int64, req *StartRequest) (*StartResponse, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if req.TemplateID <= 0 {
		return nil, apperrors.Validation("template_id", "template_id is required")
	}
	webhook, err := s.validateStart(req)
	if err != nil {
		return nil, err
	}

	tpl, err := s.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	mi, err := s.store.FindUserInstance(ctx, userID, tpl.ID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		mi = &store.MachineInstance{UserID: userID, TemplateID: tpl.ID}
		if err := s.store.CreateInstance(ctx, mi); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case active(mi.Status):
		return nil, apperrors.Conflict("instance", strconv.FormatInt(mi.ID, 10), "instance is already "+string(mi.Status))
	}

	payload := map[string]any{
		"instance_id": mi.ID,
		"template_id": tpl.ProviderTemplateID,
	}
	if req.Provider != "" {
		payload["provider"] = req.Provider
	}
	id, err := s.queue.Enqueue(ctx, job.EnqueueRequest{
		Type:     job.TypeMachineStart,
		UserID:   userID,
		Payload:  payload,
		Priority: job.PriorityNormal,
		DedupKey: instanceKey(mi.ID),
		Webhook:  webhook,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Machine start requested", "user_id", userID, "instance_id", mi.ID, "job_id", id)
	return &StartResponse{InstanceID: mi.ID, JobID: id, Status: mi.Status}, nil
}

// StopMachine submits machine_stop for one of the user's instances.
func (s *Service) StopMachine(ctx context.Context, userID, instanceID int64) (*StartResponse, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	mi, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if mi.UserID != userID {
		return nil, apperrors.NotFound("instance", strconv.FormatInt(instanceID, 10))
	}
	if mi.Status == store.StatusTerminated {
		return nil, apperrors.Conflict("instance", strconv.FormatInt(mi.ID, 10), "instance is already terminated")
	}

	id, err := s.queue.Enqueue(ctx, job.EnqueueRequest{
		Type:     job.TypeMachineStop,
		UserID:   userID,
		Payload:  map[string]any{"instance_id": mi.ID},
		Priority: job.PriorityHigh,
		DedupKey: instanceKey(mi.ID),
	})
	if err != nil {
		return nil, err
	}
	return &StartResponse{InstanceID: mi.ID, JobID: id, Status: mi.Status}, nil
}

// UserInstances lists the user's instances that have not been terminated.
func (s *Service) UserInstances(ctx context.Context, userID int64) ([]InstanceView, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	instances, err := s.store.ListUserInstances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceView, 0, len(instances))
	for _, mi := range instances {
		if mi.Status != store.StatusTerminated {
			out = append(out, instanceView(mi))
		}
	}
	return out, nil
}

// CreateChain registers a chain over existing templates, in order.
func (s *Service) CreateChain(ctx context.Context, req *ChainRequest) (ChainView, error) {
	if !slugPattern.MatchString(req.Slug) {
		return ChainView{}, apperrors.Validation("slug", "slug must be lowercase alphanumeric with hyphens")
	}
	if len(req.TemplateIDs) == 0 {
		return ChainView{}, apperrors.Validation("template_ids", "a chain needs at least one template")
	}
	if req.EstimatedHours < 0 {
		return ChainView{}, apperrors.Validation("estimated_hours", "estimated_hours cannot be negative")
	}

	slugs := make([]string, 0, len(req.TemplateIDs))
	for i, id := range req.TemplateIDs {
		if slices.Contains(req.TemplateIDs[:i], id) {
			return ChainView{}, apperrors.Validation("template_ids", fmt.Sprintf("template %d is listed twice", id))
		}
		tpl, err := s.store.GetTemplate(ctx, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			return ChainView{}, apperrors.Validation("template_ids", fmt.Sprintf("template %d does not exist", id))
		}
		if err != nil {
			return ChainView{}, err
		}
		slugs = append(slugs, tpl.Slug)
	}

	c := &store.Chain{Slug: req.Slug, DisplayName: req.DisplayName, EstimatedHours: req.EstimatedHours}
	if c.DisplayName == "" {
		c.DisplayName = c.Slug
	}
	if err := s.store.CreateChain(ctx, c, req.TemplateIDs); err != nil {
		return ChainView{}, err
	}
	s.logger.Infow("Chain created", "chain_id", c.ID, "slug", c.Slug, "machines", len(slugs))
	return chainView(*c, slugs), nil
}

// Chains lists every chain with its templates in order.
func (s *Service) Chains(ctx context.Context) ([]ChainView, error) {
	chains, err := s.store.ListChains(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChainView, 0, len(chains))
	for _, c := range chains {
		machines, err := s.store.ChainMachines(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		slugs := make([]string, len(machines))
		for i, cm := range machines {
			slugs[i] = cm.Template.Slug
		}
		out = append(out, chainView(c, slugs))
	}
	return out, nil
}

// StartChain creates the user's instance of a chain if needed and submits
// chain_start for it.
func (s *Service) StartChain(ctx context.Context, userID int64, req *StartRequest) (*StartResponse, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	if req.ChainID <= 0 {
		return nil, apperrors.Validation("chain_id", "chain_id is required")
	}
	webhook, err := s.validateStart(req)
	if err != nil {
		return nil, err
	}

	chain, err := s.store.GetChain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}

	ci, err := s.store.FindUserChainInstance(ctx, userID, chain.ID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		ci = &store.ChainInstance{UserID: userID, ChainID: chain.ID}
		if err := s.store.CreateChainInstance(ctx, ci); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case active(ci.Status):
		return nil, apperrors.Conflict("chain instance", strconv.FormatInt(ci.ID, 10), "chain is already "+string(ci.Status))
	}

	payload := map[string]any{
		"chain_id":          chain.ID,
		"chain_instance_id": ci.ID,
	}
	if req.Provider != "" {
		payload["provider"] = req.Provider
	}
	id, err := s.queue.Enqueue(ctx, job.EnqueueRequest{
		Type:     job.TypeChainStart,
		UserID:   userID,
		Payload:  payload,
		Priority: job.PriorityNormal,
		DedupKey: chainKey(ci.ID),
		Webhook:  webhook,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Chain start requested", "user_id", userID, "chain_instance_id", ci.ID, "job_id", id)
	return &StartResponse{ChainInstanceID: ci.ID, JobID: id, Status: ci.Status}, nil
}

// StopChain submits chain_stop for one of the user's chain instances.
func (s *Service) StopChain(ctx context.Context, userID, chainInstanceID int64) (*StartResponse, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	ci, err := s.store.GetChainInstance(ctx, chainInstanceID)
	if err != nil {
		return nil, err
	}
	if ci.UserID != userID {
		return nil, apperrors.NotFound("chain instance", strconv.FormatInt(chainInstanceID, 10))
	}

	id, err := s.queue.Enqueue(ctx, job.EnqueueRequest{
		Type:     job.TypeChainStop,
		UserID:   userID,
		Payload:  map[string]any{"chain_instance_id": ci.ID},
		Priority: job.PriorityHigh,
		DedupKey: chainKey(ci.ID),
	})
	if err != nil {
		return nil, err
	}
	return &StartResponse{ChainInstanceID: ci.ID, JobID: id, Status: ci.Status}, nil
}

// UserChains lists the user's chain instances.
func (s *Service) UserChains(ctx context.Context, userID int64) ([]ChainInstanceView, error) {
	if err := validateUser(userID); err != nil {
		return nil, err
	}
	instances, err := s.store.ListUserChainInstances(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ChainInstanceView, len(instances))
	for i, ci := range instances {
		out[i] = chainInstanceView(ci)
	}
	return out, nil
}

// validateStart checks the optional provider and callback of a start request.
func (s *Service) validateStart(req *StartRequest) (*job.Webhook, error) {
	if req.Provider != "" && s.backends != nil && !slices.Contains(s.backends.Providers(), req.Provider) {
		return nil, apperrors.Validation("provider", fmt.Sprintf("unknown provider %q", req.Provider))
	}
	return job.ParseCallback(req.Callback)
}

func validateUser(userID int64) error {
	if userID <= 0 {
		return apperrors.Validation("userId", "user id must be positive")
	}
	return nil
}

// active reports whether a resource is up or being torn down, so another
// start would be refused.
func active(status store.InstanceStatus) bool {
	switch status {
	case store.StatusRunning, store.StatusExtending, store.StatusStopping:
		return true
	}
	return false
}

func instanceKey(id int64) string { return "instance-" + strconv.FormatInt(id, 10) }
func chainKey(id int64) string    { return "chain-instance-" + strconv.FormatInt(id, 10) }
