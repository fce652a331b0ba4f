// Package docker implements provider.Provider on a Docker daemon.
// Each instance is a labelled container created from a template image.
package docker

import (
	"context"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"provisioner/internal/provider"
)

// Container labels.
const (
	LabelManagedBy = "managed-by"
	LabelTemplate  = "provisioner.template"
	LabelName      = "provisioner.name"
	LabelSnapshot  = "provisioner.snapshot"

	managedByValue = "provisioner"
)

// Engine is the subset of the Docker API client the provider uses.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Provider manages lab instances as Docker containers.
type Provider struct {
	cfg    Config
	engine Engine
	logger *zap.SugaredLogger
}

var _ provider.Provider = (*Provider)(nil)

// New connects to the Docker daemon described by cfg.Host or the environment.
func New(cfg Config, logger *zap.SugaredLogger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return NewWithEngine(cfg, dockerClient, logger), nil
}

// NewWithEngine builds a provider on an existing engine client.
func NewWithEngine(cfg Config, engine Engine, logger *zap.SugaredLogger) *Provider {
	cfg = cfg.withDefaults()
	return &Provider{
		cfg:    cfg,
		engine: engine,
		logger: logger.Named("docker").With("provider", cfg.Name),
	}
}

func (p *Provider) Name() string        { return p.cfg.Name }
func (p *Provider) Kind() provider.Kind { return provider.KindDocker }

// Close releases the engine client.
func (p *Provider) Close() error {
	return p.engine.Close()
}

// HealthCheck pings the daemon.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	if _, err := p.engine.Ping(ctx); err != nil {
		p.logger.Debugw("Ping failed", "error", err)
		return false
	}
	return true
}

func (p *Provider) Quota(ctx context.Context) (provider.Quota, error) {
	managed, err := p.listManaged(ctx)
	if err != nil {
		return provider.Quota{}, p.classify(err, "list containers")
	}
	info, err := p.engine.Info(ctx)
	if err != nil {
		return provider.Quota{}, p.classify(err, "daemon info")
	}
	return provider.Quota{
		MaxInstances:     p.cfg.MaxInstances,
		CurrentInstances: len(managed),
		MaxVCPUs:         info.NCPU,
		MaxMemoryGB:      float64(info.MemTotal) / (1 << 30),
	}, nil
}

func (p *Provider) CreateInstance(ctx context.Context, templateID, name string, opts provider.CreateOptions) (*provider.VMInfo, error) {
	imageRef, ok := p.cfg.Templates[templateID]
	if !ok {
		return nil, provider.NotFound(p.cfg.Name, "template", templateID)
	}

	managed, err := p.listManaged(ctx)
	if err != nil {
		return nil, p.classify(err, "list containers")
	}
	if len(managed) >= p.cfg.MaxInstances {
		return nil, provider.Capacity(p.cfg.Name)
	}

	if err := p.pullImageIfNeeded(ctx, imageRef); err != nil {
		return nil, p.classify(err, "pull image")
	}

	labels := map[string]string{
		LabelManagedBy: managedByValue,
		LabelTemplate:  templateID,
		LabelName:      name,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	id, err := p.createAndStart(ctx, imageRef, name, labels, opts)
	if err != nil {
		return nil, err
	}
	p.logger.Infow("Created instance", "instanceId", id, "template", templateID, "name", name)
	return p.inspect(ctx, id)
}

func (p *Provider) StartInstance(ctx context.Context, instanceID string) (*provider.VMInfo, error) {
	if err := p.engine.ContainerStart(ctx, instanceID, container.StartOptions{}); err != nil {
		return nil, p.classify(err, "start container")
	}
	return p.inspect(ctx, instanceID)
}

// StopInstance stops the container. Force skips the graceful period. A
// container that no longer exists reports as terminated.
func (p *Provider) StopInstance(ctx context.Context, instanceID string, force bool) (*provider.VMInfo, error) {
	timeout := int(p.cfg.StopTimeout.Seconds())
	if force {
		timeout = 0
	}
	if err := p.engine.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &provider.VMInfo{Provider: p.cfg.Name, InstanceID: instanceID, Status: provider.StatusTerminated}, nil
		}
		return nil, p.classify(err, "stop container")
	}
	return p.inspect(ctx, instanceID)
}

func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) (bool, error) {
	err := p.engine.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, p.classify(err, "remove container")
	}
	p.logger.Infow("Terminated instance", "instanceId", instanceID)
	return true, nil
}

// GetInstance returns nil, nil when the container is gone or is not managed
// by this service.
func (p *Provider) GetInstance(ctx context.Context, instanceID string) (*provider.VMInfo, error) {
	info, err := p.inspect(ctx, instanceID)
	if provider.IsNotFound(err) {
		return nil, nil
	}
	return info, err
}

func (p *Provider) ListInstances(ctx context.Context, filter provider.ListFilter) ([]provider.VMInfo, error) {
	managed, err := p.listManaged(ctx)
	if err != nil {
		return nil, p.classify(err, "list containers")
	}

	out := make([]provider.VMInfo, 0, len(managed))
	for _, c := range managed {
		info := p.fromSummary(c)
		if filter.Matches(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// ResetInstance recreates the container from the snapshot image, which is
// the template image's repository tagged with the snapshot name. The new
// container keeps the old name and labels but gets a new ID.
func (p *Provider) ResetInstance(ctx context.Context, instanceID, snapshot string) (*provider.VMInfo, error) {
	current, err := p.engine.ContainerInspect(ctx, instanceID)
	if err != nil {
		return nil, p.classify(err, "inspect container")
	}
	if current.Config == nil || current.Config.Labels[LabelManagedBy] != managedByValue {
		return nil, provider.NotFound(p.cfg.Name, "instance", instanceID)
	}

	labels := copyLabels(current.Config.Labels)
	templateImage := p.cfg.Templates[labels[LabelTemplate]]
	if templateImage == "" {
		templateImage = current.Config.Image
	}
	snapshotRef, err := SnapshotImage(templateImage, snapshot)
	if err != nil {
		return nil, provider.NewError(p.cfg.Name, err.Error(), false)
	}
	if _, err := p.engine.ImageInspect(ctx, snapshotRef); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, provider.NotFound(p.cfg.Name, "snapshot", snapshot)
		}
		return nil, p.classify(err, "inspect snapshot image")
	}

	timeout := 0
	if err := p.engine.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		return nil, p.classify(err, "stop container")
	}
	if err := p.engine.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return nil, p.classify(err, "remove container")
	}

	name := labels[LabelName]
	if name == "" {
		name = strings.TrimPrefix(current.Name, "/")
	}
	labels[LabelSnapshot] = snapshot

	id, err := p.createAndStart(ctx, snapshotRef, name, labels, provider.CreateOptions{})
	if err != nil {
		return nil, err
	}
	p.logger.Infow("Reset instance", "oldInstanceId", instanceID, "instanceId", id, "snapshot", snapshot)
	return p.inspect(ctx, id)
}

func (p *Provider) WaitForAddress(ctx context.Context, instanceID string, timeout time.Duration) (string, error) {
	return provider.PollAddress(ctx, p.cfg.PollInterval, timeout, func(ctx context.Context) (string, error) {
		info, err := p.inspect(ctx, instanceID)
		if err != nil {
			return "", err
		}
		return info.Address, nil
	})
}

func (p *Provider) ListTemplates(context.Context) ([]provider.Template, error) {
	out := make([]provider.Template, 0, len(p.cfg.Templates))
	for id, ref := range p.cfg.Templates {
		out = append(out, provider.Template{ID: id, Name: id, Image: ref})
	}
	slices.SortFunc(out, func(a, b provider.Template) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (p *Provider) createAndStart(ctx context.Context, imageRef, name string, labels map[string]string, opts provider.CreateOptions) (string, error) {
	containerConfig := &container.Config{
		Image:    imageRef,
		Hostname: name,
		Labels:   labels,
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(opts.VCPUs) * 1e9,
			Memory:   int64(opts.MemoryMB) * 1024 * 1024,
		},
	}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	resp, err := p.engine.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", p.classify(err, "create container")
	}
	if err := p.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.engine.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", p.classify(err, "start container")
	}
	return resp.ID, nil
}

func (p *Provider) pullImageIfNeeded(ctx context.Context, imageRef string) error {
	_, err := p.engine.ImageInspect(ctx, imageRef)
	if err == nil {
		return nil
	}

	reader, err := p.engine.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provider) listManaged(ctx context.Context) ([]container.Summary, error) {
	return p.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+managedByValue)),
	})
}

func (p *Provider) inspect(ctx context.Context, instanceID string) (*provider.VMInfo, error) {
	resp, err := p.engine.ContainerInspect(ctx, instanceID)
	if err != nil {
		return nil, p.classify(err, "inspect container")
	}
	if resp.ContainerJSONBase == nil || resp.Config == nil || resp.Config.Labels[LabelManagedBy] != managedByValue {
		return nil, provider.NotFound(p.cfg.Name, "instance", instanceID)
	}

	info := &provider.VMInfo{
		Provider:   p.cfg.Name,
		InstanceID: resp.ID,
		Name:       strings.TrimPrefix(resp.Name, "/"),
		Status:     provider.StatusUnknown,
		Metadata:   copyLabels(resp.Config.Labels),
	}
	if resp.State != nil {
		info.Status = mapState(resp.State.Status)
	}
	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		info.CreatedAt = created
	}
	if resp.NetworkSettings != nil && info.Status == provider.StatusRunning {
		info.Address = p.pickAddress(resp.NetworkSettings.Networks)
		info.PrivateIP = info.Address
	}
	return info, nil
}

func (p *Provider) fromSummary(c container.Summary) provider.VMInfo {
	info := provider.VMInfo{
		Provider:   p.cfg.Name,
		InstanceID: c.ID,
		Status:     mapState(c.State),
		CreatedAt:  time.Unix(c.Created, 0).UTC(),
		Metadata:   copyLabels(c.Labels),
	}
	if len(c.Names) > 0 {
		info.Name = strings.TrimPrefix(c.Names[0], "/")
	}
	if c.NetworkSettings != nil && info.Status == provider.StatusRunning {
		info.Address = p.pickAddress(c.NetworkSettings.Networks)
		info.PrivateIP = info.Address
	}
	return info
}

// pickAddress prefers the configured network, then the first network in
// name order that has an address.
func (p *Provider) pickAddress(networks map[string]*network.EndpointSettings) string {
	if ep, ok := networks[p.cfg.Network]; ok && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress
	}
	names := make([]string, 0, len(networks))
	for n := range networks {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if ep := networks[n]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

// classify turns an engine error into a provider error.
func (p *Provider) classify(err error, op string) error {
	switch {
	case cerrdefs.IsNotFound(err):
		return &provider.Error{Provider: p.cfg.Name, Code: provider.CodeNotFound, Message: op + ": " + err.Error(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Timeout(p.cfg.Name, op)
	case cerrdefs.IsInvalidArgument(err), cerrdefs.IsConflict(err), cerrdefs.IsPermissionDenied(err):
		return provider.Wrap(err, p.cfg.Name, op, false)
	default:
		return provider.Wrap(err, p.cfg.Name, op, true)
	}
}

func mapState(state container.ContainerState) provider.Status {
	switch state {
	case container.StateRunning:
		return provider.StatusRunning
	case container.StateCreated, container.StateRestarting:
		return provider.StatusPending
	case container.StateExited, container.StatePaused:
		return provider.StatusStopped
	case container.StateRemoving:
		return provider.StatusTerminated
	case container.StateDead:
		return provider.StatusError
	default:
		return provider.StatusUnknown
	}
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
