// Package handlers implements the job handlers that drive machine and chain
// lifecycles through the provider manager and persist the outcome.
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioner/internal/apperrors"
	"provisioner/internal/job"
	"provisioner/internal/provider"
	"provisioner/internal/provision"
	"provisioner/internal/store"
)

// Manager is the subset of the provider manager the handlers drive.
type Manager interface {
	CreateInstance(ctx context.Context, userID int64, templateID, name string, opts provider.CreateOptions, preferred string) (*provider.VMInfo, error)
	StartInstance(ctx context.Context, instanceID, preferred string) (*provider.VMInfo, error)
	GetInstance(ctx context.Context, instanceID, preferred string) (*provider.VMInfo, error)
	StopInstance(ctx context.Context, instanceID string, force bool, preferred string) (*provider.VMInfo, error)
	TerminateInstance(ctx context.Context, instanceID, preferred string) (bool, error)
	ResetInstance(ctx context.Context, instanceID, snapshot, preferred string) (*provider.VMInfo, error)
	WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration, preferred string) (string, error)
	HealthStatus() map[string]provision.HealthStatus
}

// Store is the persistence the handlers read and update.
type Store interface {
	GetTemplate(ctx context.Context, id int64) (*store.Template, error)
	GetInstance(ctx context.Context, id int64) (*store.MachineInstance, error)
	UpdateInstance(ctx context.Context, mi *store.MachineInstance) error
	SetInstanceStatus(ctx context.Context, id int64, status store.InstanceStatus, errMsg string) error
	ListExpiredInstances(ctx context.Context, now time.Time) ([]store.MachineInstance, error)

	GetChain(ctx context.Context, id int64) (*store.Chain, error)
	ChainMachines(ctx context.Context, chainID int64) ([]store.ChainMachine, error)
	GetChainInstance(ctx context.Context, id int64) (*store.ChainInstance, error)
	UpdateChainInstance(ctx context.Context, ci *store.ChainInstance) error
	CreateChainMachineInstance(ctx context.Context, cmi *store.ChainMachineInstance) error
	UpdateChainMachineInstance(ctx context.Context, cmi *store.ChainMachineInstance) error
	ListChainMachineInstances(ctx context.Context, chainInstanceID int64) ([]store.ChainMachineInstance, error)
}

var _ Store = (*store.SQLite)(nil)
var _ Manager = (*provision.Manager)(nil)

// Settings is the lifecycle policy applied by the handlers.
type Settings struct {
	DefaultDuration     time.Duration // default: 2h
	MaxExtendHours      int           // default: 4
	StartAddressTimeout time.Duration // default: 180s
	ResetAddressTimeout time.Duration // default: 120s
	NamePrefix          string        // default: "vulnlab"
	DefaultSnapshot     string        // default: "clean"
	DefaultProvider     string
}

func (s Settings) withDefaults() Settings {
	if s.DefaultDuration <= 0 {
		s.DefaultDuration = 2 * time.Hour
	}
	if s.MaxExtendHours <= 0 {
		s.MaxExtendHours = 4
	}
	if s.StartAddressTimeout <= 0 {
		s.StartAddressTimeout = 180 * time.Second
	}
	if s.ResetAddressTimeout <= 0 {
		s.ResetAddressTimeout = 120 * time.Second
	}
	if s.NamePrefix == "" {
		s.NamePrefix = "vulnlab"
	}
	if s.DefaultSnapshot == "" {
		s.DefaultSnapshot = "clean"
	}
	return s
}

// Deps bundles what the handlers need.
type Deps struct {
	Manager  Manager
	Store    Store
	Settings Settings
	Logger   *zap.SugaredLogger
}

// Handlers holds the shared dependencies of every job handler.
type Handlers struct {
	manager  Manager
	store    Store
	settings Settings
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// New creates the handler set.
func New(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handlers{
		manager:  deps.Manager,
		store:    deps.Store,
		settings: deps.Settings.withDefaults(),
		logger:   logger.Named("handlers"),
		now:      time.Now,
	}
}

// Registrar accepts handlers by job type.
type Registrar interface {
	RegisterHandler(t job.Type, h job.Handler)
}

// Register wires every job type to its handler.
func Register(r Registrar, deps Deps) *Handlers {
	h := New(deps)
	h.Register(r)
	return h
}

// Register wires every job type to its handler.
func (h *Handlers) Register(r Registrar) {
	r.RegisterHandler(job.TypeMachineStart, job.HandlerFunc(h.MachineStart))
	r.RegisterHandler(job.TypeMachineStop, job.HandlerFunc(h.MachineStop))
	r.RegisterHandler(job.TypeMachineReset, job.HandlerFunc(h.MachineReset))
	r.RegisterHandler(job.TypeMachineExtend, job.HandlerFunc(h.MachineExtend))
	r.RegisterHandler(job.TypeChainStart, job.HandlerFunc(h.ChainStart))
	r.RegisterHandler(job.TypeChainStop, job.HandlerFunc(h.ChainStop))
	r.RegisterHandler(job.TypeCleanup, job.HandlerFunc(h.Cleanup))
	r.RegisterHandler(job.TypeHealthCheck, job.HandlerFunc(h.HealthCheck))
}

// permanentError stops the queue from retrying a job.
type permanentError struct {
	cause error
}

func (e *permanentError) Error() string   { return e.cause.Error() }
func (e *permanentError) Unwrap() error   { return e.cause }
func (e *permanentError) Retriable() bool { return false }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// requireID reads a positive integer id from the payload.
func requireID(j *job.Job, key string) (int64, error) {
	v, ok := j.Int64(key)
	if !ok || v <= 0 {
		return 0, Permanent(apperrors.Validation("payload."+key, key+" is required"))
	}
	return v, nil
}

// payloadRef reads a reference that may arrive as a string or a number.
func payloadRef(j *job.Job, key string) string {
	if s := j.String(key); s != "" {
		return s
	}
	if v, ok := j.Int64(key); ok {
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// lookup makes a missing row permanent; other store errors stay retriable.
func lookup(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return Permanent(err)
	}
	return err
}

// preferredProvider picks the payload's provider, then the one that owns
// the resource, then the configured default.
func (h *Handlers) preferredProvider(j *job.Job, owner string) string {
	if p := j.String("provider"); p != "" {
		return p
	}
	if owner != "" {
		return owner
	}
	return h.settings.DefaultProvider
}

// detached returns a context that survives the job's own cancellation so
// failure states still reach the database after a timeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

// failInstance records cause on the machine instance.
func (h *Handlers) failInstance(ctx context.Context, id int64, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := h.store.SetInstanceStatus(ctx, id, store.StatusError, cause.Error()); err != nil {
		h.logger.Warnw("Failed to record instance error", "instance_id", id, "error", err)
	}
}

// failChain records cause on the chain instance.
func (h *Handlers) failChain(ctx context.Context, ci *store.ChainInstance, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	ci.Status = store.StatusError
	ci.ErrorMessage = cause.Error()
	if err := h.store.UpdateChainInstance(ctx, ci); err != nil {
		h.logger.Warnw("Failed to record chain error", "chain_instance_id", ci.ID, "error", err)
	}
}

// resume returns the backend instance an earlier attempt left behind so it
// can be reused instead of provisioning another one. It returns nil when
// there is nothing to resume. A stopped instance is started again.
func (h *Handlers) resume(ctx context.Context, instanceID, owner string, status store.InstanceStatus) (*provider.VMInfo, error) {
	if instanceID == "" || status == store.StatusTerminated {
		return nil, nil
	}
	info, err := h.manager.GetInstance(ctx, instanceID, owner)
	if err != nil {
		return nil, err
	}
	if info == nil || info.Status == provider.StatusTerminated {
		return nil, nil
	}
	if info.Status == provider.StatusStopped {
		if info, err = h.manager.StartInstance(ctx, instanceID, owner); err != nil {
			return nil, err
		}
	}
	if info.Provider == "" {
		info.Provider = owner
	}
	return info, nil
}

// discard terminates an instance whose id could not be persisted.
func (h *Handlers) discard(ctx context.Context, info *provider.VMInfo) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, err := h.manager.TerminateInstance(ctx, info.InstanceID, info.Provider); err != nil {
		h.logger.Errorw("Failed to discard untracked instance",
			"provider", info.Provider,
			"provider_instance_id", info.InstanceID,
			"error", err,
		)
	}
}
