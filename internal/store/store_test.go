package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/apperrors"
)

// setupTestStore opens a migrated database in a temp dir.
func setupTestStore(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "provisioner.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func createTemplate(t *testing.T, s *SQLite, slug string) *Template {
	t.Helper()
	tpl := &Template{Slug: slug, DisplayName: slug + " box", ProviderTemplateID: slug + "-tpl", Node: "node-1", CPU: 2, MemoryMB: 2048}
	require.NoError(t, s.CreateTemplate(context.Background(), tpl))
	return tpl
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "database path is required")
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx), "second run is a no-op")
	require.NoError(t, s.Ping(ctx))

	tables := []string{"machine_templates", "machine_instances", "chains", "chain_machines", "chain_instances", "chain_machine_instances"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestTemplateCRUD(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	tpl := createTemplate(t, s, "web-01")
	require.NotZero(t, tpl.ID)

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.Slug)
	assert.Equal(t, "web-01-tpl", got.ProviderTemplateID)
	assert.Equal(t, "node-1", got.Node)
	assert.Equal(t, 2048, got.MemoryMB)
	assert.WithinDuration(t, tpl.CreatedAt, got.CreatedAt, time.Second)

	_, err = s.GetTemplate(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = s.CreateTemplate(ctx, &Template{Slug: "web-01", DisplayName: "dup", ProviderTemplateID: "x"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestInstanceLifecycle(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	tpl := createTemplate(t, s, "web-01")

	mi := &MachineInstance{UserID: 42, TemplateID: tpl.ID}
	require.NoError(t, s.CreateInstance(ctx, mi))
	require.NotZero(t, mi.ID)
	assert.Equal(t, StatusPending, mi.Status)

	got, err := s.GetInstance(ctx, mi.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExpiresAt)

	started := time.Now().UTC().Truncate(time.Second)
	expires := started.Add(2 * time.Hour)
	got.Status = StatusRunning
	got.Provider = "docker"
	got.ProviderInstanceID = "c0ffee"
	got.AssignedIP = "172.18.0.5"
	got.StartedAt = &started
	got.ExpiresAt = &expires
	got.ExtendedCount = 1
	require.NoError(t, s.UpdateInstance(ctx, got))

	reloaded, err := s.GetInstance(ctx, mi.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, reloaded.Status)
	assert.Equal(t, "c0ffee", reloaded.ProviderInstanceID)
	assert.Equal(t, "172.18.0.5", reloaded.AssignedIP)
	require.NotNil(t, reloaded.ExpiresAt)
	assert.True(t, expires.Equal(*reloaded.ExpiresAt))
	assert.Equal(t, 1, reloaded.ExtendedCount)

	require.NoError(t, s.SetInstanceStatus(ctx, mi.ID, StatusError, "boom"))
	reloaded, err = s.GetInstance(ctx, mi.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, reloaded.Status)
	assert.Equal(t, "boom", reloaded.ErrorMessage)
	assert.Equal(t, "c0ffee", reloaded.ProviderInstanceID, "status update keeps other fields")

	_, err = s.GetInstance(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.SetInstanceStatus(ctx, 999, StatusError, ""), apperrors.ErrNotFound)
	assert.ErrorIs(t, s.UpdateInstance(ctx, &MachineInstance{ID: 999}), apperrors.ErrNotFound)
}

func TestCreateInstance_OnePerUserAndTemplate(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	tpl := createTemplate(t, s, "web-01")

	require.NoError(t, s.CreateInstance(ctx, &MachineInstance{UserID: 1, TemplateID: tpl.ID}))
	err := s.CreateInstance(ctx, &MachineInstance{UserID: 1, TemplateID: tpl.ID})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	require.NoError(t, s.CreateInstance(ctx, &MachineInstance{UserID: 2, TemplateID: tpl.ID}))
}

func TestCreateInstance_UnknownTemplate(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)

	err := s.CreateInstance(context.Background(), &MachineInstance{UserID: 1, TemplateID: 404})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestListExpiredInstances(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(user int64, status InstanceStatus, expires *time.Time) int64 {
		tpl := createTemplate(t, s, fmt.Sprintf("tpl-%d", user))
		mi := &MachineInstance{UserID: user, TemplateID: tpl.ID, Status: status, ExpiresAt: expires}
		require.NoError(t, s.CreateInstance(ctx, mi))
		return mi.ID
	}
	past := now.Add(-time.Hour)
	older := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	expiredA := add(1, StatusRunning, &past)
	expiredB := add(2, StatusRunning, &older)
	add(3, StatusRunning, &future)
	add(4, StatusStopped, &past)
	add(5, StatusRunning, nil)

	got, err := s.ListExpiredInstances(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, expiredB, got[0].ID, "oldest expiry first")
	assert.Equal(t, expiredA, got[1].ID)
}

func TestListUserInstances(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	a := createTemplate(t, s, "a")
	b := createTemplate(t, s, "b")

	first := &MachineInstance{UserID: 7, TemplateID: a.ID}
	second := &MachineInstance{UserID: 7, TemplateID: b.ID}
	require.NoError(t, s.CreateInstance(ctx, first))
	require.NoError(t, s.CreateInstance(ctx, second))
	require.NoError(t, s.CreateInstance(ctx, &MachineInstance{UserID: 8, TemplateID: a.ID}))

	got, err := s.ListUserInstances(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestChainLifecycle(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	entry := createTemplate(t, s, "entry")
	dc := createTemplate(t, s, "dc")

	chain := &Chain{Slug: "corp", DisplayName: "Corp Network"}
	require.NoError(t, s.CreateChain(ctx, chain, []int64{dc.ID, entry.ID}))
	assert.Equal(t, 4, chain.EstimatedHours, "default estimate")

	got, err := s.GetChain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, "Corp Network", got.DisplayName)

	machines, err := s.ChainMachines(ctx, chain.ID)
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.Equal(t, "dc", machines[0].Template.Slug)
	assert.Equal(t, "entry", machines[1].Template.Slug)
	assert.Equal(t, "entry-tpl", machines[1].Template.ProviderTemplateID)

	ci := &ChainInstance{UserID: 3, ChainID: chain.ID}
	require.NoError(t, s.CreateChainInstance(ctx, ci))
	assert.ErrorIs(t, s.CreateChainInstance(ctx, &ChainInstance{UserID: 3, ChainID: chain.ID}), apperrors.ErrConflict)

	cmi := &ChainMachineInstance{ChainInstanceID: ci.ID, TemplateID: dc.ID, Status: StatusStarting}
	require.NoError(t, s.CreateChainMachineInstance(ctx, cmi))
	cmi.Status = StatusRunning
	cmi.Provider = "sim"
	cmi.ProviderInstanceID = "sim-1"
	cmi.AssignedIP = "10.88.0.2"
	require.NoError(t, s.UpdateChainMachineInstance(ctx, cmi))

	listed, err := s.ListChainMachineInstances(ctx, ci.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StatusRunning, listed[0].Status)
	assert.Equal(t, "sim", listed[0].Provider)
	assert.Equal(t, "10.88.0.2", listed[0].AssignedIP)

	now := time.Now().UTC().Truncate(time.Second)
	ci.Status = StatusRunning
	ci.StartedAt = &now
	require.NoError(t, s.UpdateChainInstance(ctx, ci))

	reloaded, err := s.GetChainInstance(ctx, ci.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, reloaded.Status)
	require.NotNil(t, reloaded.StartedAt)
	assert.True(t, now.Equal(*reloaded.StartedAt))
	assert.Nil(t, reloaded.ExpiresAt)

	_, err = s.GetChain(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.GetChainInstance(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.UpdateChainMachineInstance(ctx, &ChainMachineInstance{ID: 999}), apperrors.ErrNotFound)
}

func TestCreateChain_RollsBackOnBadTemplate(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	tpl := createTemplate(t, s, "entry")

	err := s.CreateChain(ctx, &Chain{Slug: "broken", DisplayName: "Broken"}, []int64{tpl.ID, 404})
	require.Error(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chains").Scan(&count))
	assert.Zero(t, count)
}

func TestListTemplates(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()

	empty, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	createTemplate(t, s, "web-02")
	createTemplate(t, s, "dc-01")

	templates, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "dc-01", templates[0].Slug)
	assert.Equal(t, "web-02-tpl", templates[1].ProviderTemplateID)
}

func TestFindUserInstance(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	tpl := createTemplate(t, s, "web-01")

	_, err := s.FindUserInstance(ctx, 7, tpl.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	mi := &MachineInstance{UserID: 7, TemplateID: tpl.ID}
	require.NoError(t, s.CreateInstance(ctx, mi))

	got, err := s.FindUserInstance(ctx, 7, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, mi.ID, got.ID)

	_, err = s.FindUserInstance(ctx, 8, tpl.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestChainQueries(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	ctx := context.Background()
	web := createTemplate(t, s, "web-01")

	lab := &Chain{Slug: "lab", DisplayName: "Lab"}
	corp := &Chain{Slug: "corp", DisplayName: "Corp"}
	require.NoError(t, s.CreateChain(ctx, lab, []int64{web.ID}))
	require.NoError(t, s.CreateChain(ctx, corp, []int64{web.ID}))

	chains, err := s.ListChains(ctx)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, "corp", chains[0].Slug)
	assert.Equal(t, 4, chains[1].EstimatedHours)

	_, err = s.FindUserChainInstance(ctx, 3, lab.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	first := &ChainInstance{UserID: 3, ChainID: lab.ID}
	second := &ChainInstance{UserID: 3, ChainID: corp.ID}
	require.NoError(t, s.CreateChainInstance(ctx, first))
	require.NoError(t, s.CreateChainInstance(ctx, second))

	found, err := s.FindUserChainInstance(ctx, 3, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, StatusPending, found.Status)

	listed, err := s.ListUserChainInstances(ctx, 3)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID, "newest first")

	none, err := s.ListUserChainInstances(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}
