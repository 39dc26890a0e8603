// Package barrier blocks a caller until a set of jobs reaches a
// terminal status, polling the registry they were created on.
package barrier

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
)

// DefaultPollInterval is how often job statuses are re-read.
const DefaultPollInterval = 5 * time.Second

// ErrCanceled reports that a watched job was canceled while the
// barrier was waiting.
var ErrCanceled = errors.New("barrier: job canceled")

// Result is the outcome of a wait: the final status of every watched
// job, or a partial snapshot when the wait timed out.
type Result struct {
	Statuses map[int64]core.JobStatus
	TimedOut bool
}

// IsSuccess reports whether every watched job finished and the wait
// completed in time.
func (r *Result) IsSuccess() bool {
	if r.TimedOut {
		return false
	}
	for _, status := range r.Statuses {
		if status != core.StatusFinished {
			return false
		}
	}
	return true
}

// Barrier waits for a fixed set of jobs. Jobs are added before the
// wait starts; adding afterwards is an error.
type Barrier struct {
	registry core.Registry
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	jobIDs  []int64
	started bool
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithPollInterval sets the status polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Barrier) { b.interval = d }
}

// WithLogger sets the barrier logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Barrier) { b.logger = l }
}

// New creates a barrier over the given registry.
func New(registry core.Registry, opts ...Option) *Barrier {
	b := &Barrier{
		registry: registry,
		interval: DefaultPollInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddJob adds a job to wait for. core.ErrIllegalState once the wait
// has started.
func (b *Barrier) AddJob(job *core.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return core.IllegalState("barrier is already waiting")
	}
	b.jobIDs = append(b.jobIDs, job.ID)
	return nil
}

// WaitForJobs blocks until every added job is terminal, the timeout
// elapses, or ctx is done. A zero timeout waits indefinitely. Transport
// failures while polling are retried on the next tick; an unknown job
// aborts the wait with core.ErrNotFound, and a canceled job aborts it
// with ErrCanceled.
func (b *Barrier) WaitForJobs(ctx context.Context, timeout time.Duration) (*Result, error) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil, core.IllegalState("barrier is already waiting")
	}
	b.started = true
	jobIDs := make([]int64, len(b.jobIDs))
	copy(jobIDs, b.jobIDs)
	b.mu.Unlock()

	if len(jobIDs) == 0 {
		return &Result{Statuses: map[int64]core.JobStatus{}}, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	statuses := make(map[int64]core.JobStatus, len(jobIDs))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		done, err := b.poll(ctx, jobIDs, statuses)
		if err != nil {
			return nil, err
		}
		if done {
			return &Result{Statuses: statuses}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return &Result{Statuses: statuses, TimedOut: true}, nil
		case <-ticker.C:
		}
	}
}

// poll refreshes the status map and reports whether every job is
// terminal. Jobs already terminal are not re-read.
func (b *Barrier) poll(ctx context.Context, jobIDs []int64, statuses map[int64]core.JobStatus) (bool, error) {
	done := true
	for _, id := range jobIDs {
		if statuses[id].Terminal() {
			continue
		}
		job, err := b.registry.GetJob(ctx, id)
		if err != nil {
			if core.IsTransport(err) {
				b.logger.Warn("status poll failed, retrying",
					zap.Int64("job_id", id), zap.Error(err))
				done = false
				continue
			}
			return false, err
		}
		statuses[id] = job.Status
		if job.Status == core.StatusCanceled {
			return false, ErrCanceled
		}
		if !job.Status.Terminal() {
			done = false
		}
	}
	return done, nil
}
