//go:build integration

package docker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioner/internal/provider"
)

func TestProvider_DockerLifecycle(t *testing.T) {
	ctx := context.Background()

	p, err := New(Config{
		Name:         "docker-it",
		MaxInstances: 3,
		PollInterval: 200 * time.Millisecond,
		Templates:    map[string]string{"alpine": "alpine:latest"},
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer p.Close()

	if !p.HealthCheck(ctx) {
		t.Skip("docker daemon not reachable")
	}

	name := fmt.Sprintf("provisioner-it-%d", time.Now().UnixNano())
	info, err := p.CreateInstance(ctx, "alpine", name, provider.CreateOptions{
		Labels: map[string]string{"test": "integration"},
	})
	require.NoError(t, err)
	defer func() { _, _ = p.TerminateInstance(context.Background(), info.InstanceID) }()

	addr, err := p.WaitForAddress(ctx, info.InstanceID, 30*time.Second)
	require.NoError(t, err)
	t.Logf("instance %s address %q", info.InstanceID, addr)

	stopped, err := p.StopInstance(ctx, info.InstanceID, true)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusStopped, stopped.Status)

	removed, err := p.TerminateInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.True(t, removed)
}
