// Package registry implements the service and host registry: the
// authoritative directory of hosts, the services they offer, and the
// jobs flowing through them.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/jobctx"
	"github.com/mediagrid/dispatch/pkg/security"
)

var _ core.Registry = (*Registry)(nil)

// Registry is the store-backed implementation of core.Registry.
type Registry struct {
	store  core.Store
	host   string // this node's address, the default created host
	logger *zap.Logger
	clock  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry persisting through the given store. host is
// this node's own address, used as the created host for local jobs.
func New(store core.Store, host string, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		host:   host,
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hostname returns this node's own address.
func (r *Registry) Hostname() string {
	return r.host
}

// ── Host bookkeeping ──

// RegisterHost upserts a host registration, marking it online.
func (r *Registry) RegisterHost(ctx context.Context, host string, maxConcurrentJobs int) error {
	if err := security.ValidateHost(host); err != nil {
		return err
	}
	reg := &core.HostRegistration{
		Host:              host,
		MaxConcurrentJobs: security.ClampConcurrency(maxConcurrentJobs),
		Online:            true,
	}
	if err := r.store.SaveHost(ctx, reg); err != nil {
		return err
	}
	r.logger.Info("host registered",
		zap.String("host", host),
		zap.Int("max_concurrent_jobs", reg.MaxConcurrentJobs))
	return nil
}

// UnregisterHost removes a host and its service registrations. Jobs
// already assigned to the host keep their state; recovery is an
// explicit administrative step through Sanitize.
func (r *Registry) UnregisterHost(ctx context.Context, host string) error {
	if err := r.store.DeleteHost(ctx, host); err != nil {
		return err
	}
	r.logger.Info("host unregistered", zap.String("host", host))
	return nil
}

// EnableHost marks a host online; core.ErrNotFound for unknown hosts.
func (r *Registry) EnableHost(ctx context.Context, host string) error {
	return r.setHostFlags(ctx, host, func(reg *core.HostRegistration) {
		reg.Online = true
	})
}

// DisableHost marks a host offline; core.ErrNotFound for unknown hosts.
func (r *Registry) DisableHost(ctx context.Context, host string) error {
	return r.setHostFlags(ctx, host, func(reg *core.HostRegistration) {
		reg.Online = false
	})
}

// SetMaintenanceStatus toggles maintenance mode. Hosts in maintenance
// are excluded from placement but their jobs remain visible.
func (r *Registry) SetMaintenanceStatus(ctx context.Context, host string, maintenance bool) error {
	return r.setHostFlags(ctx, host, func(reg *core.HostRegistration) {
		reg.Maintenance = maintenance
	})
}

func (r *Registry) setHostFlags(ctx context.Context, host string, mutate func(*core.HostRegistration)) error {
	reg, err := r.store.GetHost(ctx, host)
	if err != nil {
		return err
	}
	mutate(reg)
	return r.store.SaveHost(ctx, reg)
}

// GetHostRegistrations returns all hosts in registration order.
func (r *Registry) GetHostRegistrations(ctx context.Context) ([]*core.HostRegistration, error) {
	return r.store.ListHosts(ctx)
}

// ── Service bookkeeping ──

// RegisterService upserts a (serviceType, host) registration. The host
// must already be registered.
func (r *Registry) RegisterService(ctx context.Context, serviceType, host, path string, jobProducer bool) (*core.ServiceRegistration, error) {
	if err := security.ValidateServiceType(serviceType); err != nil {
		return nil, err
	}
	hostReg, err := r.store.GetHost(ctx, host)
	if err != nil {
		return nil, err
	}
	reg := &core.ServiceRegistration{
		ServiceType: serviceType,
		Host:        host,
		Path:        path,
		JobProducer: jobProducer,
	}
	if err := r.store.SaveService(ctx, reg); err != nil {
		return nil, err
	}
	reg.Online = hostReg.Online
	reg.Maintenance = hostReg.Maintenance
	r.logger.Info("service registered",
		zap.String("service_type", serviceType),
		zap.String("host", host),
		zap.Bool("job_producer", jobProducer))
	return reg, nil
}

// UnregisterService removes one (serviceType, host) registration.
func (r *Registry) UnregisterService(ctx context.Context, serviceType, host string) error {
	if err := r.store.DeleteService(ctx, serviceType, host); err != nil {
		return err
	}
	r.logger.Info("service unregistered",
		zap.String("service_type", serviceType),
		zap.String("host", host))
	return nil
}

// GetServiceRegistrations returns every registration with derived
// online/maintenance flags.
func (r *Registry) GetServiceRegistrations(ctx context.Context) ([]*core.ServiceRegistration, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	hosts, err := r.hostIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		deriveFlags(svc, hosts)
	}
	return services, nil
}

// GetServiceRegistrationsByLoad returns producer registrations for a
// service type ordered ascending by current load, i.e. the placement
// policy. Offline hosts and hosts in maintenance never appear; ties
// break by registration order so selection stays stable.
func (r *Registry) GetServiceRegistrationsByLoad(ctx context.Context, serviceType string) ([]*core.ServiceRegistration, error) {
	services, err := r.store.ListServicesByType(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	hosts, err := r.hostIndex(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.ActiveCountsByHost(ctx)
	if err != nil {
		return nil, err
	}

	candidates := services[:0]
	for _, svc := range services {
		hostReg, ok := hosts[svc.Host]
		if !ok || !svc.JobProducer || !hostReg.Online || hostReg.Maintenance {
			continue
		}
		deriveFlags(svc, hosts)
		candidates = append(candidates, svc)
	}

	load := func(svc *core.ServiceRegistration) float64 {
		max := hosts[svc.Host].MaxConcurrentJobs
		if max <= 0 {
			max = 1
		}
		return float64(counts[svc.Host]) / float64(max)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return load(candidates[i]) < load(candidates[j])
	})
	return candidates, nil
}

// GetServiceStatistics aggregates per-registration job counts and mean
// timings for dashboards.
func (r *Registry) GetServiceStatistics(ctx context.Context) ([]*core.ServiceStatistics, error) {
	services, err := r.GetServiceRegistrations(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]*core.ServiceStatistics, 0, len(services))
	for _, svc := range services {
		running, err := r.store.CountJobs(ctx, svc.ServiceType, svc.Host, "", core.StatusRunning)
		if err != nil {
			return nil, err
		}
		queued, err := r.store.CountJobs(ctx, svc.ServiceType, "", "", core.StatusQueued)
		if err != nil {
			return nil, err
		}
		meanQueue, meanRun, finished, err := r.store.AverageTimes(ctx, svc.ServiceType, svc.Host)
		if err != nil {
			return nil, err
		}
		stats = append(stats, &core.ServiceStatistics{
			Registration:    svc,
			RunningJobs:     running,
			QueuedJobs:      queued,
			FinishedJobs:    finished,
			MeanRunTimeMs:   meanRun,
			MeanQueueTimeMs: meanQueue,
		})
	}
	return stats, nil
}

func (r *Registry) hostIndex(ctx context.Context) (map[string]*core.HostRegistration, error) {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]*core.HostRegistration, len(hosts))
	for _, h := range hosts {
		index[h.Host] = h
	}
	return index, nil
}

func deriveFlags(svc *core.ServiceRegistration, hosts map[string]*core.HostRegistration) {
	if hostReg, ok := hosts[svc.Host]; ok {
		svc.Online = hostReg.Online
		svc.Maintenance = hostReg.Maintenance
	}
}

// ── Job lifecycle ──

// CreateJob allocates a new job. Creator and organization come from the
// tenant identity on ctx, the created host from the remote caller host
// on ctx or this node. Dispatchable jobs start queued and become
// eligible for the next dispatch pass; others start instantiated and
// are run inline by their creator.
func (r *Registry) CreateJob(ctx context.Context, jobType, operation string, arguments []string, payload string, dispatchable bool, parent *core.Job) (*core.Job, error) {
	if err := security.ValidateServiceType(jobType); err != nil {
		return nil, err
	}
	if err := security.ValidateOperation(operation); err != nil {
		return nil, err
	}
	if err := security.ValidateArguments(arguments); err != nil {
		return nil, err
	}

	services, err := r.store.ListServicesByType(ctx, jobType)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		r.logger.Warn("creating job for service type with no registrations",
			zap.String("service_type", jobType))
	}

	identity := jobctx.IdentityFromContext(ctx)
	createdHost := jobctx.CallerHostFromContext(ctx)
	if createdHost == "" {
		createdHost = r.host
	}

	job := &core.Job{
		JobType:      jobType,
		Operation:    operation,
		Arguments:    core.ArgumentList(arguments),
		CreatedHost:  createdHost,
		Dispatchable: dispatchable,
		ParentJobID:  core.NoParent,
		RootJobID:    core.NoParent,
		Creator:      identity.User,
		Organization: identity.Organization,
		DateCreated:  r.clock(),
		Status:       core.StatusInstantiated,
	}
	if dispatchable {
		job.Status = core.StatusQueued
	}
	if payload != "" {
		job.Payload = &payload
	}
	if parent == nil {
		// A handler creating a job links it under the job it runs for.
		parent = jobctx.JobFromContext(ctx)
	}
	if parent != nil {
		job.ParentJobID = parent.ID
		job.RootJobID = parent.Root()
	}

	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	r.logger.Debug("job created",
		zap.Int64("job_id", job.ID),
		zap.String("signature", job.Signature()),
		zap.String("status", string(job.Status)))
	return job, nil
}

// UpdateJob is the single mutation entry point for job records. It
// maintains the denormalized timing fields, rejects transitions out of
// a terminal status with core.ErrConflict, and persists through the
// store's optimistic version check. On a version conflict the caller
// must re-fetch and retry or abandon the attempt.
func (r *Registry) UpdateJob(ctx context.Context, job *core.Job) (*core.Job, error) {
	current, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() && job.Status != current.Status {
		return nil, core.Conflict("job %d is %s and cannot transition to %s",
			job.ID, current.Status, job.Status)
	}
	if job.Payload != nil && current.Payload == nil && job.Status != core.StatusFinished {
		return nil, core.Conflict("job %d payload may only be set on finished jobs", job.ID)
	}

	r.applyTimes(job)

	// Shared context lives on the root job's row only.
	if !job.SelfRoot() && job.Context != nil {
		if err := r.store.UpdateJobContext(ctx, job.Root(), job.Context); err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		job.Context = nil
	}

	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// applyTimes keeps the date and duration fields consistent with the
// status being written.
func (r *Registry) applyTimes(job *core.Job) {
	now := r.clock()
	switch job.Status {
	case core.StatusRunning:
		if job.DateStarted == nil {
			job.DateStarted = &now
			job.QueueTimeMs = now.Sub(job.DateCreated).Milliseconds()
		}
	case core.StatusFailed, core.StatusCanceled, core.StatusDeleted:
		// These jobs may not have even started properly.
		job.DateCompleted = &now
		if job.DateStarted != nil {
			job.RunTimeMs = now.Sub(*job.DateStarted).Milliseconds()
		}
	case core.StatusFinished:
		if job.DateStarted == nil {
			// Inline jobs skip dispatching and never see a running
			// transition; count their run from creation.
			started := job.DateCreated
			job.DateStarted = &started
		}
		job.DateCompleted = &now
		job.RunTimeMs = now.Sub(*job.DateStarted).Milliseconds()
	}
}

// GetJob retrieves a job; non-root jobs see their root's shared context.
func (r *Registry) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.SelfRoot() {
		root, err := r.store.GetJob(ctx, job.Root())
		if err == nil {
			job.Context = root.Context
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
	}
	return job, nil
}

// GetChildJobs returns every descendant of a job, depth-first with
// siblings in creation order.
func (r *Registry) GetChildJobs(ctx context.Context, id int64) ([]*core.Job, error) {
	if _, err := r.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	var out []*core.Job
	var walk func(parentID int64) error
	walk = func(parentID int64) error {
		children, err := r.store.ListDirectChildren(ctx, parentID)
		if err != nil {
			return err
		}
		for _, child := range children {
			out = append(out, child)
			if err := walk(child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJobs returns jobs of one service type and status.
func (r *Registry) GetJobs(ctx context.Context, serviceType string, status core.JobStatus) ([]*core.Job, error) {
	return r.store.ListJobs(ctx, serviceType, status)
}

// GetActiveJobs returns all jobs still tracked for dispatch or load.
func (r *Registry) GetActiveJobs(ctx context.Context) ([]*core.Job, error) {
	return r.store.ListJobsByStatuses(ctx, []core.JobStatus{
		core.StatusQueued, core.StatusDispatching, core.StatusRunning,
		core.StatusPaused, core.StatusRestart,
	}, false)
}

// ── Aggregates ──

// Count counts jobs of a service type and status.
func (r *Registry) Count(ctx context.Context, serviceType string, status core.JobStatus) (int64, error) {
	return r.store.CountJobs(ctx, serviceType, "", "", status)
}

// CountByHost counts jobs of a service type and status on one host.
func (r *Registry) CountByHost(ctx context.Context, serviceType, host string, status core.JobStatus) (int64, error) {
	return r.store.CountJobs(ctx, serviceType, host, "", status)
}

// CountByOperation counts jobs of a service type, operation and status.
func (r *Registry) CountByOperation(ctx context.Context, serviceType, operation string, status core.JobStatus) (int64, error) {
	return r.store.CountJobs(ctx, serviceType, "", operation, status)
}

// GetMaxConcurrentJobs returns the fleet's total capacity across online
// hosts.
func (r *Registry) GetMaxConcurrentJobs(ctx context.Context) (int, error) {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, h := range hosts {
		if h.Online {
			total += h.MaxConcurrentJobs
		}
	}
	return total, nil
}

// GetLoad returns the per-host load snapshot.
func (r *Registry) GetLoad(ctx context.Context) (core.SystemLoad, error) {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.ActiveCountsByHost(ctx)
	if err != nil {
		return nil, err
	}
	load := make(core.SystemLoad, len(hosts))
	for _, h := range hosts {
		load[h.Host] = core.NodeLoad{
			Host:              h.Host,
			RunningJobs:       counts[h.Host],
			MaxConcurrentJobs: h.MaxConcurrentJobs,
		}
	}
	return load, nil
}

// ── Administrative repair ──

// Sanitize forces a (serviceType, host) pair back to a known-good
// state: jobs stuck running or dispatching against a crashed host are
// re-queued for the next dispatch pass. core.ErrNotFound if the pair
// was never registered.
func (r *Registry) Sanitize(ctx context.Context, serviceType, host string) error {
	if _, err := r.store.GetService(ctx, serviceType, host); err != nil {
		return err
	}
	stuck, err := r.store.ListJobsOnService(ctx, serviceType, host, []core.JobStatus{
		core.StatusRunning, core.StatusDispatching,
	})
	if err != nil {
		return err
	}
	requeued := 0
	for _, job := range stuck {
		job.Status = core.StatusQueued
		job.ProcessingHost = ""
		job.DateStarted = nil
		if err := r.store.UpdateJob(ctx, job); err != nil {
			if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrNotFound) {
				continue // someone else already moved it on
			}
			return err
		}
		requeued++
	}
	r.logger.Info("service sanitized",
		zap.String("service_type", serviceType),
		zap.String("host", host),
		zap.Int("requeued_jobs", requeued))
	return nil
}

// RemoveParentlessJobs deletes terminal jobs without a parent that are
// older than lifetime, returning the number removed. Driven by the
// janitor on a schedule.
func (r *Registry) RemoveParentlessJobs(ctx context.Context, lifetime time.Duration) (int64, error) {
	cutoff := r.clock().Add(-lifetime)
	removed, err := r.store.DeleteParentlessJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info("parentless jobs removed", zap.Int64("count", removed))
	}
	return removed, nil
}
