package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/incident"
	"github.com/mediagrid/dispatch/pkg/producer"
	"github.com/mediagrid/dispatch/pkg/registry"
)

// blockingHandler parks every invocation until released.
type blockingHandler struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{release: make(chan struct{})}
}

func (h *blockingHandler) handle(ctx context.Context, job *core.Job) (string, error) {
	h.mu.Lock()
	h.started++
	h.mu.Unlock()
	select {
	case <-h.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *blockingHandler) startedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func TestDispatcher_CapacityLimitsPlacement(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	incidents := incident.NewLog(store)
	handler := newBlockingHandler()
	prod := producer.New(reg, incidents, "encode", "h1", 2,
		producer.WithHandler("track", handler.handle))
	directory := registry.NewProducerDirectory()
	directory.Add(prod)

	dispatcher := registry.NewDispatcher(reg, directory)

	var jobs []*core.Job
	for i := 0; i < 3; i++ {
		job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	require.NoError(t, dispatcher.DispatchPass(ctx))

	// Two slots, so two jobs run and the third stays queued.
	require.Eventually(t, func() bool {
		return handler.startedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	third, err := reg.GetJob(ctx, jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, third.Status)

	// Releasing the handlers frees capacity; the next pass places it.
	close(handler.release)
	require.Eventually(t, func() bool {
		n, err := reg.Count(ctx, "encode", core.StatusFinished)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dispatcher.DispatchPass(ctx))
	require.Eventually(t, func() bool {
		got, err := reg.GetJob(ctx, jobs[2].ID)
		return err == nil && got.Status == core.StatusFinished
	}, 2*time.Second, 10*time.Millisecond)
	prod.Stop()
}

func TestDispatcher_NonDispatchableNeverPlaced(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	incidents := incident.NewLog(store)
	handler := newBlockingHandler()
	prod := producer.New(reg, incidents, "encode", "h1", 2,
		producer.WithHandler("track", handler.handle))
	directory := registry.NewProducerDirectory()
	directory.Add(prod)
	dispatcher := registry.NewDispatcher(reg, directory)

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", false, nil)
	require.NoError(t, err)

	require.NoError(t, dispatcher.DispatchPass(ctx))
	time.Sleep(50 * time.Millisecond)

	got, err := reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusInstantiated, got.Status)
	assert.Zero(t, handler.startedCount())
}

func TestDispatcher_RestartDispatchedBeforeQueued(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 1)

	incidents := incident.NewLog(store)
	handler := newBlockingHandler()
	prod := producer.New(reg, incidents, "encode", "h1", 1,
		producer.WithHandler("track", handler.handle))
	directory := registry.NewProducerDirectory()
	directory.Add(prod)
	dispatcher := registry.NewDispatcher(reg, directory)

	queued, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)

	restarted, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)
	restarted.Status = core.StatusRestart
	restarted, err = reg.UpdateJob(ctx, restarted)
	require.NoError(t, err)

	// One slot only: the restarted job must win it even though the
	// queued job is older.
	require.NoError(t, dispatcher.DispatchPass(ctx))
	require.Eventually(t, func() bool {
		got, err := reg.GetJob(ctx, restarted.ID)
		return err == nil && got.Status == core.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	got, err := reg.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)

	close(handler.release)
	prod.Stop()
}

func TestDispatcher_NoProducerLeavesJobQueued(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	dispatcher := registry.NewDispatcher(reg, registry.NewProducerDirectory())

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)

	require.NoError(t, dispatcher.DispatchPass(ctx))

	got, err := reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Empty(t, got.ProcessingHost)
}

func TestDispatcher_AcceptErrorRevertsClaim(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	registerProducer(t, reg, "encode", "h1", 2)

	// A failing readiness check surfaces as an acceptance error.
	incidents := incident.NewLog(store)
	handler := newBlockingHandler()
	prod := producer.New(reg, incidents, "encode", "h1", 2,
		producer.WithHandler("track", handler.handle),
		producer.WithReadiness(func(ctx context.Context, job *core.Job) (bool, error) {
			return false, errors.New("disk check failed")
		}))
	directory := registry.NewProducerDirectory()
	directory.Add(prod)
	dispatcher := registry.NewDispatcher(reg, directory)

	job, err := reg.CreateJob(ctx, "encode", "track", nil, "", true, nil)
	require.NoError(t, err)

	// The claim must be rolled back so later passes still see the job.
	require.NoError(t, dispatcher.DispatchPass(ctx))
	got, err := reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Empty(t, got.ProcessingHost)

	require.NoError(t, dispatcher.DispatchPass(ctx))
	got, err = reg.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, got.Status)
	assert.Zero(t, handler.startedCount())
}

func TestDispatcher_StartStop(t *testing.T) {
	reg, _ := newTestRegistry(t)
	dispatcher := registry.NewDispatcher(reg, registry.NewProducerDirectory(),
		registry.WithDispatchInterval(10*time.Millisecond))

	dispatcher.Start(context.Background())
	dispatcher.Trigger()
	time.Sleep(50 * time.Millisecond)
	dispatcher.Stop()

	// Stopping twice is safe.
	dispatcher.Stop()
}
