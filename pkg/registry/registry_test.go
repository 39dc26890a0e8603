package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/jobctx"
	"github.com/mediagrid/dispatch/pkg/registry"
	"github.com/mediagrid/dispatch/pkg/storage"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *storage.GormStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// in-memory sqlite is per-connection; a second pooled conn would see an empty DB
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return registry.New(store, "local:8080"), store
}

func registerProducer(t *testing.T, reg *registry.Registry, serviceType, host string, capacity int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, reg.RegisterHost(ctx, host, capacity))
	_, err := reg.RegisterService(ctx, serviceType, host, "/"+serviceType, true)
	require.NoError(t, err)
}

// ── Hosts and services ──

func TestRegistry_EnableDisableHost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterHost(ctx, "h1", 2))
	require.NoError(t, reg.DisableHost(ctx, "h1"))

	hosts, err := reg.GetHostRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.False(t, hosts[0].Online)

	require.NoError(t, reg.EnableHost(ctx, "h1"))
	hosts, err = reg.GetHostRegistrations(ctx)
	require.NoError(t, err)
	assert.True(t, hosts[0].Online)

	assert.ErrorIs(t, reg.EnableHost(ctx, "missing"), core.ErrNotFound)
	assert.ErrorIs(t, reg.DisableHost(ctx, "missing"), core.ErrNotFound)
	assert.ErrorIs(t, reg.SetMaintenanceStatus(ctx, "missing", true), core.ErrNotFound)
}

func TestRegistry_RegisterService_RequiresHost(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.RegisterService(context.Background(), "encode", "unknown", "/encode", true)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRegistry_ServiceFlagsDerivedFromHost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	registerProducer(t, reg, "encode", "h1", 2)
	require.NoError(t, reg.SetMaintenanceStatus(ctx, "h1", true))

	services, err := reg.GetServiceRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.True(t, services[0].Online)
	assert.True(t, services[0].Maintenance)
}

// ── Load ordering ──

func TestRegistry_ByLoad_ExcludesUnavailableHosts(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	registerProducer(t, reg, "encode", "h1", 2)
	registerProducer(t, reg, "encode", "h2", 2)
	registerProducer(t, reg, "encode", "h3", 2)
	registerProducer(t, reg, "encode", "h4", 2)
	require.NoError(t, reg.SetMaintenanceStatus(ctx, "h2", true))
	require.NoError(t, reg.DisableHost(ctx, "h3"))
	require.NoError(t, store.DeleteService(ctx, "encode", "h4"))

	// Non-producer registrations never receive jobs either.
	require.NoError(t, reg.RegisterHost(ctx, "h5", 2))
	_, err := reg.RegisterService(ctx, "encode", "h5", "/encode", false)
	require.NoError(t, err)

	services, err := reg.GetServiceRegistrationsByLoad(ctx, "encode")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "h1", services[0].Host)
}

func TestRegistry_ByLoad_OrdersByLoadThenRegistration(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	registerProducer(t, reg, "encode", "h1", 2)
	registerProducer(t, reg, "encode", "h2", 2)
	registerProducer(t, reg, "encode", "h3", 4)

	// h1 full, h2 and h3 at half load: 0.5 each, h2 wins by
	// registration order.
	mkRunning := func(host string, n int) {
		for i := 0; i < n; i++ {
			job := &core.Job{
				JobType: "encode", Operation: "track",
				Status: core.StatusRunning, ProcessingHost: host,
				ParentJobID: core.NoParent, RootJobID: core.NoParent,
				DateCreated: time.Now(),
			}
			require.NoError(t, store.CreateJob(ctx, job))
		}
	}
	mkRunning("h1", 2)
	mkRunning("h2", 1)
	mkRunning("h3", 2)

	services, err := reg.GetServiceRegistrationsByLoad(ctx, "encode")
	require.NoError(t, err)
	require.Len(t, services, 3)
	assert.Equal(t, "h2", services[0].Host)
	assert.Equal(t, "h3", services[1].Host)
	assert.Equal(t, "h1", services[2].Host)
}

// ── Job lifecycle ──

func TestRegistry_CreateJob_DispatchableStartsQueued(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	job, err := reg.CreateJob(ctx, "encode", "track", []string{"a.mp4"}, "", true, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, "local:8080", job.CreatedHost)
	assert.Equal(t, core.NoParent, job.ParentJobID)

	inline, err := reg.CreateJob(ctx, "encode", "inspect", nil, "", false, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusInstantiated, inline.Status)
}

func TestRegistry_CreateJob_IdentityAndCallerHost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerProducer(t, reg, "encode", "h1", 2)

	ctx := jobctx.WithIdentity(context.Background(), jobctx.Identity{User: "admin", Organization: "acme"})
	ctx = jobctx.WithCallerHost(ctx, "remote:9090")

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "admin", job.Creator)
	assert.Equal(t, "acme", job.Organization)
	assert.Equal(t, "remote:9090", job.CreatedHost)
}

func TestRegistry_CreateJob_ParentLinksRoot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	root, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	child, err := reg.CreateJob(ctx, "encode", "segment", nil, "", true, root)
	require.NoError(t, err)
	grandchild, err := reg.CreateJob(ctx, "encode", "frame", nil, "", true, child)
	require.NoError(t, err)

	assert.Equal(t, root.ID, child.ParentJobID)
	assert.Equal(t, root.ID, child.RootJobID)
	assert.Equal(t, child.ID, grandchild.ParentJobID)
	assert.Equal(t, root.ID, grandchild.RootJobID)

	// A handler creating a job inherits its parent from context.
	handlerCtx := jobctx.WithJob(ctx, child)
	implicit, err := reg.CreateJob(handlerCtx, "encode", "frame", nil, "", true, nil)
	require.NoError(t, err)
	assert.Equal(t, child.ID, implicit.ParentJobID)
	assert.Equal(t, root.ID, implicit.RootJobID)
}

func TestRegistry_CreateJob_ValidatesNames(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateJob(ctx, "", "track", nil, "", true, nil)
	assert.ErrorIs(t, err, core.ErrInvalidServiceType)

	_, err = reg.CreateJob(ctx, "encode", "bad name", nil, "", true, nil)
	assert.ErrorIs(t, err, core.ErrInvalidOperation)
}

func TestRegistry_UpdateJob_RejectsTerminalTransition(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)

	job.Status = core.StatusFinished
	job, err = reg.UpdateJob(ctx, job)
	require.NoError(t, err)

	job.Status = core.StatusQueued
	_, err = reg.UpdateJob(ctx, job)
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFinished, got.Status)
}

func TestRegistry_UpdateJob_TimingBookkeeping(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	require.Nil(t, job.DateStarted)

	job.Status = core.StatusRunning
	job, err = reg.UpdateJob(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, job.DateStarted)

	job.Status = core.StatusFinished
	job, err = reg.UpdateJob(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, job.DateCompleted)
	assert.GreaterOrEqual(t, job.RunTimeMs, int64(0))
}

func TestRegistry_UpdateJob_ExternalTerminationStampsCompletion(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	canceled, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	canceled.Status = core.StatusCanceled
	canceled, err = reg.UpdateJob(ctx, canceled)
	require.NoError(t, err)
	require.NotNil(t, canceled.DateCompleted)

	deleted, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	deleted.Status = core.StatusRunning
	deleted, err = reg.UpdateJob(ctx, deleted)
	require.NoError(t, err)

	deleted.Status = core.StatusDeleted
	deleted, err = reg.UpdateJob(ctx, deleted)
	require.NoError(t, err)
	require.NotNil(t, deleted.DateCompleted)
	assert.GreaterOrEqual(t, deleted.RunTimeMs, int64(0))
}

func TestRegistry_UpdateJob_PayloadOnlyWhenFinished(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)

	payload := "result"
	job.Payload = &payload
	job.Status = core.StatusRunning
	_, err = reg.UpdateJob(ctx, job)
	assert.ErrorIs(t, err, core.ErrConflict)

	fresh, err := reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	fresh.Status = core.StatusFinished
	fresh.Payload = &payload
	updated, err := reg.UpdateJob(ctx, fresh)
	require.NoError(t, err)
	require.NotNil(t, updated.Payload)
	assert.Equal(t, "result", *updated.Payload)
}

func TestRegistry_JobContext_SharedThroughRoot(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	root, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	child, err := reg.CreateJob(ctx, "encode", "segment", nil, "", true, root)
	require.NoError(t, err)

	// Writing through a child lands on the root row.
	child.Context = core.PropertyMap{"workflow": "w42"}
	_, err = reg.UpdateJob(ctx, child)
	require.NoError(t, err)

	gotRoot, err := reg.GetJob(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "w42", gotRoot.Context["workflow"])

	// Reading through any child sees the same properties.
	gotChild, err := reg.GetJob(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "w42", gotChild.Context["workflow"])
}

func TestRegistry_GetChildJobs_DepthFirst(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	root, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	c1, err := reg.CreateJob(ctx, "encode", "segment", nil, "", true, root)
	require.NoError(t, err)
	c2, err := reg.CreateJob(ctx, "encode", "segment", nil, "", true, root)
	require.NoError(t, err)
	g1, err := reg.CreateJob(ctx, "encode", "frame", nil, "", true, c1)
	require.NoError(t, err)

	children, err := reg.GetChildJobs(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, c1.ID, children[0].ID)
	assert.Equal(t, g1.ID, children[1].ID)
	assert.Equal(t, c2.ID, children[2].ID)

	_, err = reg.GetChildJobs(ctx, 9999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ── Aggregates ──

func TestRegistry_CountsAndCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)
	registerProducer(t, reg, "encode", "h2", 4)
	require.NoError(t, reg.DisableHost(ctx, "h2"))

	_, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	_, err = reg.CreateJob(ctx, "encode", "inspect", nil, "", true, nil)
	require.NoError(t, err)

	n, err := reg.Count(ctx, "encode", core.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = reg.CountByOperation(ctx, "encode", "track", core.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Offline hosts contribute no capacity.
	max, err := reg.GetMaxConcurrentJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, max)

	load, err := reg.GetLoad(ctx)
	require.NoError(t, err)
	require.Contains(t, load, "h1")
	assert.Zero(t, load["h1"].RunningJobs)
	assert.Equal(t, 2, load["h1"].MaxConcurrentJobs)
}

// ── Repair ──

func TestRegistry_Sanitize_RequeuesStuckJobs(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	stuck, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	stuck.Status = core.StatusRunning
	stuck.ProcessingHost = "h1"
	stuck, err = reg.UpdateJob(ctx, stuck)
	require.NoError(t, err)

	require.NoError(t, reg.Sanitize(ctx, "encode", "h1"))

	got, err := store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Empty(t, got.ProcessingHost)

	assert.ErrorIs(t, reg.Sanitize(ctx, "missing", "h1"), core.ErrNotFound)
}

func TestRegistry_RemoveParentlessJobs(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	old := &core.Job{
		JobType: "encode", Operation: "track",
		Status:      core.StatusFinished,
		ParentJobID: core.NoParent, RootJobID: core.NoParent,
		DateCreated: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateJob(ctx, old))

	removed, err := reg.RemoveParentlessJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
