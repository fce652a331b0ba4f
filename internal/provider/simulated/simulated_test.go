package simulated

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/provider"
)

func TestProvider_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{Name: "local", Templates: []string{"web-easy"}})

	info, err := p.CreateInstance(ctx, "web-easy", "vulnlab-7-1", provider.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "local", info.Provider)
	assert.Equal(t, provider.StatusRunning, info.Status)
	assert.NotEmpty(t, info.Address, "no address delay configured")

	stopped, err := p.StopInstance(ctx, info.InstanceID, false)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.Address)

	started, err := p.StartInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, started.Status)

	removed, err := p.TerminateInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := p.GetInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, got)

	removed, err = p.TerminateInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.False(t, removed, "terminating a missing instance is not an error")
}

func TestProvider_UnknownTemplate(t *testing.T) {
	t.Parallel()
	p := New(Config{Templates: []string{"web-easy"}})

	_, err := p.CreateInstance(context.Background(), "nope", "x", provider.CreateOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
	assert.False(t, provider.IsRetriable(err))
}

func TestProvider_Capacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{MaxInstances: 1})

	_, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
	require.NoError(t, err)

	q, err := p.Quota(ctx)
	require.NoError(t, err)
	assert.False(t, q.HasCapacity())
	assert.Equal(t, 2, q.CurrentVCPUs)

	_, err = p.CreateInstance(ctx, "t", "b", provider.CreateOptions{})
	require.Error(t, err)
	assert.True(t, provider.HasCode(err, provider.CodeCapacity))
	assert.True(t, provider.IsRetriable(err))
}

func TestProvider_ResetSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{})

	info, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
	require.NoError(t, err)

	reset, err := p.ResetInstance(ctx, info.InstanceID, "clean")
	require.NoError(t, err)
	assert.Equal(t, "clean", reset.Metadata["snapshot"])

	_, err = p.ResetInstance(ctx, info.InstanceID, "pre-exploit")
	assert.True(t, provider.IsNotFound(err))

	p.AddSnapshot("pre-exploit")
	_, err = p.ResetInstance(ctx, info.InstanceID, "pre-exploit")
	assert.NoError(t, err)

	_, err = p.ResetInstance(ctx, "missing", "clean")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_WaitForAddress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{AddressDelay: 40 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	info, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
	require.NoError(t, err)
	assert.Empty(t, info.Address)

	addr, err := p.WaitForAddress(ctx, info.InstanceID, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	addr, err = p.WaitForAddress(ctx, info.InstanceID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, addr, "address already assigned")
}

func TestProvider_WaitForAddressTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{AddressDelay: time.Hour, PollInterval: 5 * time.Millisecond})

	info, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
	require.NoError(t, err)

	addr, err := p.WaitForAddress(ctx, info.InstanceID, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, addr)
}

func TestProvider_FaultInjection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{})

	boom := provider.NewError("simulated", "backend flake", true)
	p.FailNext(OpCreate, 2, boom)

	for i := 0; i < 2; i++ {
		_, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
		assert.ErrorIs(t, err, boom)
	}
	_, err := p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 3, p.Calls(OpCreate))

	p.FailNext(OpAny, 1, boom)
	_, err = p.Quota(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = p.Quota(ctx)
	assert.NoError(t, err)
}

func TestProvider_Health(t *testing.T) {
	t.Parallel()
	p := New(Config{})

	assert.True(t, p.HealthCheck(context.Background()))
	p.SetHealthy(false)
	assert.False(t, p.HealthCheck(context.Background()))
}

func TestProvider_PeakConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{OpDelay: 30 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.CreateInstance(ctx, "t", "a", provider.CreateOptions{})
		}()
	}
	wg.Wait()

	assert.Greater(t, p.PeakConcurrency(), 1)
	assert.Equal(t, 4, p.Count())
}

func TestProvider_ListInstancesFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(Config{})

	a, err := p.CreateInstance(ctx, "t", "vulnlab-1-1", provider.CreateOptions{})
	require.NoError(t, err)
	_, err = p.CreateInstance(ctx, "t", "vulnlab-chain-1-1", provider.CreateOptions{})
	require.NoError(t, err)
	_, err = p.StopInstance(ctx, a.InstanceID, false)
	require.NoError(t, err)

	all, err := p.ListInstances(ctx, provider.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := p.ListInstances(ctx, provider.ListFilter{Status: provider.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "vulnlab-chain-1-1", running[0].Name)
}
