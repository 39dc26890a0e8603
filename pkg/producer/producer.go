// Package producer executes dispatched jobs on a host through a
// bounded worker pool and reports outcomes back to the registry.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/jobctx"
	"github.com/mediagrid/dispatch/pkg/security"
)

// FailureCode identifies the incident recorded when a handler fails.
const FailureCode = "job.failed.1"

// Handler executes one operation of a service type. The returned string
// becomes the job payload on success.
type Handler func(ctx context.Context, job *core.Job) (string, error)

var _ core.JobProducer = (*Producer)(nil)

// Producer runs jobs for one service type on one host. Capacity is a
// fixed pool of slots; when every slot is busy the producer refuses
// further jobs until one frees up.
type Producer struct {
	serviceType string
	host        string
	registry    core.Registry
	incidents   core.IncidentLog
	logger      *zap.Logger
	ready       func(ctx context.Context, job *core.Job) (bool, error)

	mu       sync.RWMutex
	handlers map[string]Handler

	slots chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Producer.
type Option func(*Producer)

// WithLogger sets the producer logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Producer) { p.logger = l }
}

// WithHandler registers the handler for one operation.
func WithHandler(operation string, h Handler) Option {
	return func(p *Producer) { p.handlers[operation] = h }
}

// WithReadiness installs an extra acceptance check consulted before the
// capacity check, e.g. free disk space.
func WithReadiness(fn func(ctx context.Context, job *core.Job) (bool, error)) Option {
	return func(p *Producer) { p.ready = fn }
}

// New creates a producer for a service type with the given number of
// concurrent execution slots.
func New(registry core.Registry, incidents core.IncidentLog, serviceType, host string, maxConcurrentJobs int, opts ...Option) *Producer {
	p := &Producer{
		serviceType: serviceType,
		host:        host,
		registry:    registry,
		incidents:   incidents,
		logger:      zap.NewNop(),
		handlers:    make(map[string]Handler),
		slots:       make(chan struct{}, security.ClampConcurrency(maxConcurrentJobs)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServiceType returns the service type this producer executes.
func (p *Producer) ServiceType() string { return p.serviceType }

// Host returns the host this producer runs on.
func (p *Producer) Host() string { return p.host }

// RegisterHandler adds or replaces the handler for an operation.
func (p *Producer) RegisterHandler(operation string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[operation] = h
}

func (p *Producer) handler(operation string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[operation]
	return h, ok
}

// IsReadyToAccept reports whether the producer would take the job: a
// handler exists for its operation, a slot is free, and the optional
// readiness check passes.
func (p *Producer) IsReadyToAccept(ctx context.Context, job *core.Job) (bool, error) {
	if _, ok := p.handler(job.Operation); !ok {
		return false, nil
	}
	if len(p.slots) >= cap(p.slots) {
		return false, nil
	}
	if p.ready != nil {
		return p.ready(ctx, job)
	}
	return true, nil
}

// AcceptJob claims a slot, marks the job running and starts execution
// in the background. Returns false without side effects when the
// producer is full, has no handler for the operation, or loses the
// version race for the job.
func (p *Producer) AcceptJob(ctx context.Context, job *core.Job) (bool, error) {
	handler, ok := p.handler(job.Operation)
	if !ok {
		return false, nil
	}
	if p.ready != nil {
		ready, err := p.ready(ctx, job)
		if err != nil || !ready {
			return ready, err
		}
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return false, nil
	}

	job.Status = core.StatusRunning
	job.ProcessingHost = p.host
	if _, err := p.registry.UpdateJob(ctx, job); err != nil {
		<-p.slots
		if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.execute(context.WithoutCancel(ctx), job, handler)
	}()
	return true, nil
}

// RunJob executes a job inline on the calling goroutine, for jobs that
// are not dispatchable and are run directly by their creator. The job
// must not be in a terminal status.
func (p *Producer) RunJob(ctx context.Context, job *core.Job) (*core.Job, error) {
	handler, ok := p.handler(job.Operation)
	if !ok {
		return nil, core.IllegalState("no handler for operation %q on %s", job.Operation, p.serviceType)
	}
	if job.Status.Terminal() {
		return nil, core.IllegalState("job %d is already %s", job.ID, job.Status)
	}
	job.Status = core.StatusRunning
	job.ProcessingHost = p.host
	if _, err := p.registry.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	p.execute(ctx, job, handler)
	return p.registry.GetJob(ctx, job.ID)
}

// Stop waits for in-flight jobs to finish.
func (p *Producer) Stop() {
	p.wg.Wait()
}

// execute runs the handler under the job's identity and records the
// outcome. A panicking handler is treated like a returned error.
func (p *Producer) execute(ctx context.Context, job *core.Job, handler Handler) {
	ctx = jobctx.WithJob(ctx, job)
	ctx = jobctx.WithIdentity(ctx, jobctx.Identity{
		User:         job.Creator,
		Organization: job.Organization,
	})

	// Correlates the start and outcome log lines of one execution,
	// since a restarted job runs more than once under the same id.
	execID := uuid.NewString()
	p.logger.Debug("job execution started",
		zap.Int64("job_id", job.ID),
		zap.String("execution_id", execID),
		zap.String("signature", job.Signature()))

	payload, err := p.runHandler(ctx, job, handler)
	if err != nil {
		p.recordFailure(ctx, job, err)
		return
	}

	// The handler may have completed the job itself, e.g. by pausing it
	// or delegating to children; only finish jobs still running.
	current, gerr := p.registry.GetJob(ctx, job.ID)
	if gerr != nil {
		p.logger.Error("cannot reload job after handler",
			zap.Int64("job_id", job.ID), zap.Error(gerr))
		return
	}
	if current.Status != core.StatusRunning {
		return
	}
	current.Status = core.StatusFinished
	if payload != "" {
		current.Payload = &payload
	}
	if _, err := p.registry.UpdateJob(ctx, current); err != nil {
		p.logger.Error("cannot finish job",
			zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (p *Producer) runHandler(ctx context.Context, job *core.Job, handler Handler) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// recordFailure marks the job failed and stores the failure incident.
// A job the handler already failed keeps its state and incident.
func (p *Producer) recordFailure(ctx context.Context, job *core.Job, cause error) {
	p.logger.Warn("job handler failed",
		zap.Int64("job_id", job.ID),
		zap.String("signature", job.Signature()),
		zap.Error(cause))

	current, err := p.registry.GetJob(ctx, job.ID)
	if err != nil {
		p.logger.Error("cannot reload failed job",
			zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if current.Status == core.StatusFailed {
		return
	}
	current.Status = core.StatusFailed
	if current.FailureReason == core.FailureNone {
		current.FailureReason = core.FailureProcessing
	}
	updated, err := p.registry.UpdateJob(ctx, current)
	if err != nil {
		p.logger.Error("cannot fail job",
			zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}

	// Transport failures are environmental, not a diagnosis of the
	// job; they stay in the logs.
	if p.incidents == nil || core.IsTransport(cause) {
		return
	}
	_, err = p.incidents.StoreIncident(ctx, updated, time.Now(), FailureCode, core.SeverityFailure,
		map[string]string{
			"serviceType": job.JobType,
			"operation":   job.Operation,
		},
		[]core.Detail{{Title: "error", Text: security.SanitizeDetailText(cause.Error())}},
	)
	if err != nil && !errors.Is(err, core.ErrConflict) {
		p.logger.Error("cannot store failure incident",
			zap.Int64("job_id", job.ID), zap.Error(err))
	}
}
