package core

import (
	"context"
	"time"
)

// Registry is the authoritative directory of hosts, services and jobs.
// It is the single writer for job records; all mutation goes through
// UpdateJob guarded by the job's version field.
type Registry interface {
	// Host bookkeeping.
	RegisterHost(ctx context.Context, host string, maxConcurrentJobs int) error
	UnregisterHost(ctx context.Context, host string) error
	EnableHost(ctx context.Context, host string) error
	DisableHost(ctx context.Context, host string) error
	SetMaintenanceStatus(ctx context.Context, host string, maintenance bool) error
	GetHostRegistrations(ctx context.Context) ([]*HostRegistration, error)

	// Service bookkeeping.
	RegisterService(ctx context.Context, serviceType, host, path string, jobProducer bool) (*ServiceRegistration, error)
	UnregisterService(ctx context.Context, serviceType, host string) error
	GetServiceRegistrations(ctx context.Context) ([]*ServiceRegistration, error)
	// GetServiceRegistrationsByLoad returns producer registrations for a
	// service type ordered ascending by current load. Hosts offline or
	// in maintenance never appear; ties break by registration order.
	GetServiceRegistrationsByLoad(ctx context.Context, serviceType string) ([]*ServiceRegistration, error)
	GetServiceStatistics(ctx context.Context) ([]*ServiceStatistics, error)

	// Job lifecycle. CreateJob assigns id, created host, creator and
	// organization from the calling context; dispatchable jobs start
	// queued, others instantiated. UpdateJob is an optimistic-concurrency
	// write: unknown id yields ErrNotFound, a stale version or a
	// transition out of a terminal status yields ErrConflict.
	CreateJob(ctx context.Context, jobType, operation string, arguments []string, payload string, dispatchable bool, parent *Job) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) (*Job, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	GetChildJobs(ctx context.Context, id int64) ([]*Job, error)
	GetJobs(ctx context.Context, serviceType string, status JobStatus) ([]*Job, error)
	GetActiveJobs(ctx context.Context) ([]*Job, error)

	// Aggregates for load computation and dashboards.
	Count(ctx context.Context, serviceType string, status JobStatus) (int64, error)
	CountByHost(ctx context.Context, serviceType, host string, status JobStatus) (int64, error)
	CountByOperation(ctx context.Context, serviceType, operation string, status JobStatus) (int64, error)
	GetMaxConcurrentJobs(ctx context.Context) (int, error)
	GetLoad(ctx context.Context) (SystemLoad, error)

	// Sanitize forces a (serviceType, host) pair back to a known-good
	// state, re-queueing jobs stuck running on a crashed host.
	Sanitize(ctx context.Context, serviceType, host string) error
}

// JobProducer accepts dispatched jobs on behalf of one host and service
// type, executes them asynchronously and reports outcome through the
// registry.
type JobProducer interface {
	ServiceType() string
	Host() string

	// IsReadyToAccept reports whether the producer will take the job.
	// False makes the dispatcher try the next host.
	IsReadyToAccept(ctx context.Context, job *Job) (bool, error)

	// AcceptJob transitions the job to running and submits execution to
	// the producer's worker pool. Returns false without side effects if
	// the producer is not ready.
	AcceptJob(ctx context.Context, job *Job) (bool, error)
}

// IncidentLog records and queries structured failure and warning
// records attached to jobs and their descendants.
type IncidentLog interface {
	// StoreIncident persists a new incident. Storing against a job id
	// unknown to the registry fails with ErrConflict; a second
	// failure-severity incident for the same job fails with ErrConflict.
	StoreIncident(ctx context.Context, job *Job, timestamp time.Time, code string, severity Severity, parameters map[string]string, details []Detail) (*Incident, error)

	GetIncident(ctx context.Context, id int64) (*Incident, error)

	// GetIncidentsOfJob returns the job's own incidents only.
	GetIncidentsOfJob(ctx context.Context, jobID int64) ([]*Incident, error)

	// GetIncidentTreeOfJob walks the job's descendants depth-first and
	// returns an IncidentTree with parents before children.
	GetIncidentTreeOfJob(ctx context.Context, jobID int64) (*IncidentTree, error)

	// GetIncidentsOfJobs is a flat batch lookup for summary views.
	GetIncidentsOfJobs(ctx context.Context, jobIDs []int64) (map[int64][]*Incident, error)

	// GetLocalization resolves an incident's code and parameters into a
	// human-readable title and description for the requested locale.
	GetLocalization(ctx context.Context, incidentID int64, locale string) (*Localization, error)
}
