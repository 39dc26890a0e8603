package core

import (
	"context"
	"time"
)

// Store defines the durable persistence layer behind the registry. The
// registry is its only writer; the store enforces the per-job version
// check on update.
type Store interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Hosts
	SaveHost(ctx context.Context, host *HostRegistration) error
	GetHost(ctx context.Context, host string) (*HostRegistration, error)
	DeleteHost(ctx context.Context, host string) error
	ListHosts(ctx context.Context) ([]*HostRegistration, error)

	// Services
	SaveService(ctx context.Context, service *ServiceRegistration) error
	GetService(ctx context.Context, serviceType, host string) (*ServiceRegistration, error)
	DeleteService(ctx context.Context, serviceType, host string) error
	ListServices(ctx context.Context) ([]*ServiceRegistration, error)
	ListServicesByType(ctx context.Context, serviceType string) ([]*ServiceRegistration, error)

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	// UpdateJob persists a mutation if and only if the stored version
	// matches job.Version, then increments it. Unknown ids yield
	// ErrNotFound, stale versions ErrConflict.
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListDirectChildren(ctx context.Context, parentID int64) ([]*Job, error)
	ListDescendants(ctx context.Context, rootID int64) ([]*Job, error)
	ListJobs(ctx context.Context, serviceType string, status JobStatus) ([]*Job, error)
	ListJobsByStatuses(ctx context.Context, statuses []JobStatus, dispatchableOnly bool) ([]*Job, error)
	ListJobsOnService(ctx context.Context, serviceType, host string, statuses []JobStatus) ([]*Job, error)
	CountJobs(ctx context.Context, serviceType, host, operation string, status JobStatus) (int64, error)
	// ActiveCountsByHost returns the number of running plus dispatching
	// jobs per processing host, the input to load-based placement.
	ActiveCountsByHost(ctx context.Context) (map[string]int64, error)
	// AverageTimes returns the mean queue and run time in milliseconds
	// plus the finished-job count for a (serviceType, host) pair.
	AverageTimes(ctx context.Context, serviceType, host string) (meanQueueMs, meanRunMs, finished int64, err error)
	UpdateJobContext(ctx context.Context, rootID int64, properties PropertyMap) error
	DeleteParentlessJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Incidents
	CreateIncident(ctx context.Context, incident *Incident) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidentsOfJob(ctx context.Context, jobID int64) ([]*Incident, error)
	ListIncidentsOfJobs(ctx context.Context, jobIDs []int64) ([]*Incident, error)
	CountIncidents(ctx context.Context, jobID int64, severity Severity) (int64, error)
}
