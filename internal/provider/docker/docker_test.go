package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/internal/provider"
)

// fakeEngine is an in-memory Docker daemon covering the calls the provider makes.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*container.InspectResponse
	images     map[string]bool
	pulled     []string
	pingErr    error
	createErr  error
}

func newFakeEngine(images ...string) *fakeEngine {
	f := &fakeEngine{
		containers: make(map[string]*container.InspectResponse),
		images:     make(map[string]bool),
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) { return types.Ping{}, f.pingErr }

func (f *fakeEngine) Info(context.Context) (system.Info, error) {
	return system.Info{NCPU: 8, MemTotal: 16 << 30}, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	for _, c := range f.containers {
		if c.Name == "/"+name {
			return container.CreateResponse{}, errors.Wrapf(cerrdefs.ErrConflict, "name %q in use", name)
		}
	}
	f.seq++
	id := fmt.Sprintf("c%04d", f.seq)
	f.containers[id] = &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:      id,
			Name:    "/" + name,
			Created: time.Date(2026, 1, 1, 0, 0, f.seq, 0, time.UTC).Format(time.RFC3339Nano),
			State:   &container.State{Status: container.StateCreated},
		},
		Config:          cfg,
		NetworkSettings: &container.NetworkSettings{Networks: map[string]*network.EndpointSettings{}},
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errors.Wrapf(cerrdefs.ErrNotFound, "no such container %s", id)
	}
	c.State.Status = container.StateRunning
	c.State.Running = true
	c.NetworkSettings.Networks["bridge"] = &network.EndpointSettings{IPAddress: "172.17.0." + strings.TrimLeft(id[1:], "0")}
	return nil
}

func (f *fakeEngine) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errors.Wrapf(cerrdefs.ErrNotFound, "no such container %s", id)
	}
	c.State.Status = container.StateExited
	c.State.Running = false
	c.NetworkSettings.Networks = map[string]*network.EndpointSettings{}
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errors.Wrapf(cerrdefs.ErrNotFound, "no such container %s", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, errors.Wrapf(cerrdefs.ErrNotFound, "no such container %s", id)
	}
	return *c, nil
}

func (f *fakeEngine) ContainerList(context.Context, container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.Summary, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, container.Summary{
			ID:     c.ID,
			Names:  []string{c.Name},
			Labels: c.Config.Labels,
			State:  c.State.Status,
			NetworkSettings: &container.NetworkSettingsSummary{
				Networks: c.NetworkSettings.Networks,
			},
		})
	}
	return out, nil
}

func (f *fakeEngine) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return image.InspectResponse{}, errors.Wrapf(cerrdefs.ErrNotFound, "no such image %s", ref)
	}
	return image.InspectResponse{ID: ref}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) Close() error { return nil }

func newTestProvider(t *testing.T, engine *fakeEngine, maxInstances int) *Provider {
	t.Helper()
	return NewWithEngine(Config{
		Name:         "docker-test",
		MaxInstances: maxInstances,
		PollInterval: 5 * time.Millisecond,
		Templates: map[string]string{
			"web-easy": "vulnlab/web-easy:latest",
			"sqli":     "vulnlab/sqli:1.0",
		},
	}, engine, zap.NewNop().Sugar())
}

func TestProvider_CreateInstance(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	p := newTestProvider(t, engine, 5)
	ctx := context.Background()

	info, err := p.CreateInstance(ctx, "web-easy", "vulnlab-7-1", provider.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "docker-test", info.Provider)
	assert.Equal(t, "vulnlab-7-1", info.Name)
	assert.Equal(t, provider.StatusRunning, info.Status)
	assert.NotEmpty(t, info.Address)
	assert.Equal(t, "web-easy", info.Metadata[LabelTemplate])
	assert.Equal(t, managedByValue, info.Metadata[LabelManagedBy])
	assert.Equal(t, []string{"vulnlab/web-easy:latest"}, engine.pulled)

	// Image already present: no second pull.
	_, err = p.CreateInstance(ctx, "web-easy", "vulnlab-7-2", provider.CreateOptions{})
	require.NoError(t, err)
	assert.Len(t, engine.pulled, 1)
}

func TestProvider_CreateUnknownTemplate(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)

	_, err := p.CreateInstance(context.Background(), "missing", "x", provider.CreateOptions{})
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_CreateCapacity(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 1)
	ctx := context.Background()

	_, err := p.CreateInstance(ctx, "web-easy", "a", provider.CreateOptions{})
	require.NoError(t, err)

	_, err = p.CreateInstance(ctx, "web-easy", "b", provider.CreateOptions{})
	require.Error(t, err)
	assert.True(t, provider.HasCode(err, provider.CodeCapacity))

	q, err := p.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.CurrentInstances)
	assert.Equal(t, 8, q.MaxVCPUs)
	assert.InDelta(t, 16.0, q.MaxMemoryGB, 0.001)
}

func TestProvider_CreateConflictIsPermanent(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)
	ctx := context.Background()

	_, err := p.CreateInstance(ctx, "web-easy", "dup", provider.CreateOptions{})
	require.NoError(t, err)

	_, err = p.CreateInstance(ctx, "web-easy", "dup", provider.CreateOptions{})
	require.Error(t, err)
	assert.False(t, provider.IsRetriable(err))
}

func TestProvider_CreateEngineFailureIsRetriable(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.createErr = errors.New("daemon busy")
	p := newTestProvider(t, engine, 5)

	_, err := p.CreateInstance(context.Background(), "web-easy", "a", provider.CreateOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsRetriable(err))
}

func TestProvider_StopAndTerminateAreIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)
	ctx := context.Background()

	info, err := p.CreateInstance(ctx, "web-easy", "a", provider.CreateOptions{})
	require.NoError(t, err)

	stopped, err := p.StopInstance(ctx, info.InstanceID, false)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.Address)

	removed, err := p.TerminateInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.TerminateInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.False(t, removed)

	gone, err := p.StopInstance(ctx, info.InstanceID, true)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusTerminated, gone.Status)

	got, err := p.GetInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProvider_ResetInstance(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine("vulnlab/web-easy:clean")
	p := newTestProvider(t, engine, 5)
	ctx := context.Background()

	info, err := p.CreateInstance(ctx, "web-easy", "vulnlab-7-1", provider.CreateOptions{})
	require.NoError(t, err)

	reset, err := p.ResetInstance(ctx, info.InstanceID, "clean")
	require.NoError(t, err)
	assert.NotEqual(t, info.InstanceID, reset.InstanceID, "reset recreates the container")
	assert.Equal(t, "vulnlab-7-1", reset.Name)
	assert.Equal(t, "clean", reset.Metadata[LabelSnapshot])
	assert.Equal(t, provider.StatusRunning, reset.Status)

	old, err := p.GetInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestProvider_ResetMissingSnapshot(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)
	ctx := context.Background()

	info, err := p.CreateInstance(ctx, "sqli", "a", provider.CreateOptions{})
	require.NoError(t, err)

	_, err = p.ResetInstance(ctx, info.InstanceID, "pre-exploit")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))

	got, err := p.GetInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, got, "container untouched when snapshot is missing")
	assert.Equal(t, provider.StatusRunning, got.Status)
}

func TestProvider_ResetMissingInstance(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine("vulnlab/web-easy:clean"), 5)

	_, err := p.ResetInstance(context.Background(), "nope", "clean")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
	assert.False(t, provider.IsRetriable(err))
}

func TestProvider_WaitForAddress(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)
	ctx := context.Background()

	info, err := p.CreateInstance(ctx, "web-easy", "a", provider.CreateOptions{})
	require.NoError(t, err)

	addr, err := p.WaitForAddress(ctx, info.InstanceID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, info.Address, addr)

	_, err = p.StopInstance(ctx, info.InstanceID, false)
	require.NoError(t, err)
	addr, err = p.WaitForAddress(ctx, info.InstanceID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, addr, "stopped containers report no address")
}

func TestProvider_ListInstancesAndTemplates(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, newFakeEngine(), 5)
	ctx := context.Background()

	_, err := p.CreateInstance(ctx, "web-easy", "vulnlab-1-1", provider.CreateOptions{})
	require.NoError(t, err)
	_, err = p.CreateInstance(ctx, "sqli", "vulnlab-chain-1-1", provider.CreateOptions{})
	require.NoError(t, err)

	list, err := p.ListInstances(ctx, provider.ListFilter{NamePrefix: "vulnlab-chain-"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "vulnlab-chain-1-1", list[0].Name)

	templates, err := p.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "sqli", templates[0].ID)
	assert.Equal(t, "vulnlab/web-easy:latest", templates[1].Image)
}

func TestProvider_HealthCheck(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	p := newTestProvider(t, engine, 5)

	assert.True(t, p.HealthCheck(context.Background()))
	engine.pingErr = errors.New("connection refused")
	assert.False(t, p.HealthCheck(context.Background()))
}

func TestSnapshotImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		image, snapshot, want string
	}{
		{"vulnlab/web-easy:latest", "clean", "vulnlab/web-easy:clean"},
		{"vulnlab/web-easy", "clean", "vulnlab/web-easy:clean"},
		{"registry.local:5000/labs/sqli:1.0", "pre-exploit", "registry.local:5000/labs/sqli:pre-exploit"},
		{"alpine", "v2", "alpine:v2"},
	}
	for _, tt := range tests {
		got, err := SnapshotImage(tt.image, tt.snapshot)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SnapshotImage("vulnlab/web", "bad tag!")
	assert.Error(t, err)
}

func TestMapState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, provider.StatusRunning, mapState(container.StateRunning))
	assert.Equal(t, provider.StatusPending, mapState(container.StateCreated))
	assert.Equal(t, provider.StatusStopped, mapState(container.StateExited))
	assert.Equal(t, provider.StatusError, mapState(container.StateDead))
	assert.Equal(t, provider.StatusUnknown, mapState("weird"))
}
