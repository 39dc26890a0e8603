package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/jobctx"
)

// DefaultDispatchInterval is how often the dispatcher scans for work.
const DefaultDispatchInterval = 5 * time.Second

// Dispatcher periodically assigns queued jobs to the least loaded
// producer host. Restarted jobs are always offered before fresh queued
// jobs so interrupted work resumes first.
type Dispatcher struct {
	registry  *Registry
	directory *ProducerDirectory
	interval  time.Duration
	logger    *zap.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the scan interval.
func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.interval = d }
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// NewDispatcher creates a dispatcher over a registry and its producer
// directory.
func NewDispatcher(registry *Registry, directory *ProducerDirectory, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		directory: directory,
		interval:  DefaultDispatchInterval,
		logger:    zap.NewNop(),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the dispatch loop. Calling Start on a running
// dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true
	go d.loop(ctx)
}

// Stop halts the dispatch loop and waits for the current pass to end.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	cancel()
	<-done
}

// Trigger requests an immediate dispatch pass without waiting for the
// next tick. Safe to call from any goroutine.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		if err := d.DispatchPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dispatch pass failed", zap.Error(err))
		}
	}
}

// DispatchPass runs one full scan: restart jobs first, then queued
// dispatchable jobs, oldest first. When no host accepts a job, its
// (jobType, operation) signature is skipped for the remainder of the
// pass since every later job of that signature would fail the same way.
func (d *Dispatcher) DispatchPass(ctx context.Context) error {
	restart, err := d.registry.store.ListJobsByStatuses(ctx, []core.JobStatus{core.StatusRestart}, false)
	if err != nil {
		return err
	}
	queued, err := d.registry.store.ListJobsByStatuses(ctx, []core.JobStatus{core.StatusQueued}, true)
	if err != nil {
		return err
	}

	skip := make(map[string]struct{})
	for _, job := range append(restart, queued...) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, undispatchable := skip[job.Signature()]; undispatchable {
			continue
		}
		placed, err := d.dispatchJob(ctx, job)
		if err != nil {
			d.logger.Warn("dispatch attempt failed",
				zap.Int64("job_id", job.ID),
				zap.Error(err))
			continue
		}
		if !placed {
			skip[job.Signature()] = struct{}{}
		}
	}
	return nil
}

// dispatchJob claims a single job and offers it to candidate hosts in
// load order. Returns false when no host accepted it.
func (d *Dispatcher) dispatchJob(ctx context.Context, job *core.Job) (bool, error) {
	candidates, err := d.registry.GetServiceRegistrationsByLoad(ctx, job.JobType)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	// Claim the job before offering it. Losing the version race means
	// another dispatcher or caller moved it on, which is not an error.
	priorStatus := job.Status
	job.Status = core.StatusDispatching
	if _, err := d.registry.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	// Producers execute under the job creator's identity.
	ctx = jobctx.WithIdentity(ctx, jobctx.Identity{
		User:         job.Creator,
		Organization: job.Organization,
	})

	for _, candidate := range candidates {
		producer := d.directory.Lookup(candidate.ServiceType, candidate.Host)
		if producer == nil {
			continue
		}
		job.ProcessingHost = candidate.Host
		accepted, err := producer.AcceptJob(ctx, job)
		if err != nil {
			if core.IsTransport(err) {
				d.logger.Warn("producer unreachable",
					zap.String("host", candidate.Host),
					zap.String("service_type", candidate.ServiceType),
					zap.Error(err))
				continue
			}
			// A claimed job must not stay in dispatching; no pass scans
			// that status.
			if rerr := d.revert(ctx, job, priorStatus); rerr != nil {
				d.logger.Error("cannot revert claimed job",
					zap.Int64("job_id", job.ID), zap.Error(rerr))
			}
			return false, err
		}
		if accepted {
			d.logger.Debug("job dispatched",
				zap.Int64("job_id", job.ID),
				zap.String("host", candidate.Host))
			return true, nil
		}
	}

	// Nobody took it; put it back the way it was found.
	if err := d.revert(ctx, job, priorStatus); err != nil {
		return false, err
	}
	return false, nil
}

// revert returns a claimed job to the status it was found in so the
// next pass rescans it. Losing the version race means someone else
// already moved the job on.
func (d *Dispatcher) revert(ctx context.Context, job *core.Job, status core.JobStatus) error {
	job.ProcessingHost = ""
	job.Status = status
	if _, err := d.registry.UpdateJob(ctx, job); err != nil &&
		!errors.Is(err, core.ErrConflict) && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return nil
}
