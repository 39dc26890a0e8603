// Package storage provides the GORM-backed persistence layer for the
// dispatch registry.
package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mediagrid/dispatch/pkg/core"
)

var _ core.Store = (*GormStore)(nil)

// GormStore implements core.Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for pool tuning and tests.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.HostRegistration{},
		&core.ServiceRegistration{},
		&core.Incident{},
	)
}

// ── Hosts ──

// SaveHost upserts a host registration keyed by host address.
func (s *GormStore) SaveHost(ctx context.Context, host *core.HostRegistration) error {
	var existing core.HostRegistration
	err := s.db.WithContext(ctx).First(&existing, "host = ?", host.Host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(host).Error
	}
	if err != nil {
		return err
	}
	host.ID = existing.ID
	host.DateRegistered = existing.DateRegistered
	return s.db.WithContext(ctx).
		Model(&core.HostRegistration{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"max_concurrent_jobs": host.MaxConcurrentJobs,
			"online":              host.Online,
			"maintenance":         host.Maintenance,
		}).Error
}

// GetHost retrieves a host registration; core.ErrNotFound if absent.
func (s *GormStore) GetHost(ctx context.Context, host string) (*core.HostRegistration, error) {
	var reg core.HostRegistration
	err := s.db.WithContext(ctx).First(&reg, "host = ?", host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("host %q", host)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// DeleteHost removes a host and all its service registrations. Jobs
// already assigned to the host are left untouched.
func (s *GormStore) DeleteHost(ctx context.Context, host string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host = ?", host).Delete(&core.ServiceRegistration{}).Error; err != nil {
			return err
		}
		return tx.Where("host = ?", host).Delete(&core.HostRegistration{}).Error
	})
}

// ListHosts returns all hosts in registration order.
func (s *GormStore) ListHosts(ctx context.Context) ([]*core.HostRegistration, error) {
	var hosts []*core.HostRegistration
	err := s.db.WithContext(ctx).Order("id ASC").Find(&hosts).Error
	return hosts, err
}

// ── Services ──

// SaveService upserts a service registration keyed by (serviceType, host).
func (s *GormStore) SaveService(ctx context.Context, service *core.ServiceRegistration) error {
	var existing core.ServiceRegistration
	err := s.db.WithContext(ctx).
		First(&existing, "service_type = ? AND host = ?", service.ServiceType, service.Host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(service).Error
	}
	if err != nil {
		return err
	}
	service.ID = existing.ID
	return s.db.WithContext(ctx).
		Model(&core.ServiceRegistration{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"path":         service.Path,
			"job_producer": service.JobProducer,
		}).Error
}

// GetService retrieves one registration; core.ErrNotFound if absent.
func (s *GormStore) GetService(ctx context.Context, serviceType, host string) (*core.ServiceRegistration, error) {
	var reg core.ServiceRegistration
	err := s.db.WithContext(ctx).
		First(&reg, "service_type = ? AND host = ?", serviceType, host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("service %q on host %q", serviceType, host)
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// DeleteService removes one (serviceType, host) registration.
func (s *GormStore) DeleteService(ctx context.Context, serviceType, host string) error {
	return s.db.WithContext(ctx).
		Where("service_type = ? AND host = ?", serviceType, host).
		Delete(&core.ServiceRegistration{}).Error
}

// ListServices returns all service registrations in registration order.
func (s *GormStore) ListServices(ctx context.Context) ([]*core.ServiceRegistration, error) {
	var services []*core.ServiceRegistration
	err := s.db.WithContext(ctx).Order("id ASC").Find(&services).Error
	return services, err
}

// ListServicesByType returns registrations for one service type in
// registration order.
func (s *GormStore) ListServicesByType(ctx context.Context, serviceType string) ([]*core.ServiceRegistration, error) {
	var services []*core.ServiceRegistration
	err := s.db.WithContext(ctx).
		Where("service_type = ?", serviceType).
		Order("id ASC").
		Find(&services).Error
	return services, err
}

// ── Jobs ──

// CreateJob persists a new job and assigns its id.
func (s *GormStore) CreateJob(ctx context.Context, job *core.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// UpdateJob persists a job mutation if and only if the stored version
// matches job.Version, then increments the version. A stale version
// yields core.ErrConflict, an unknown id core.ErrNotFound.
func (s *GormStore) UpdateJob(ctx context.Context, job *core.Job) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]any{
			"version":         job.Version + 1,
			"job_type":        job.JobType,
			"operation":       job.Operation,
			"arguments":       job.Arguments,
			"created_host":    job.CreatedHost,
			"processing_host": job.ProcessingHost,
			"dispatchable":    job.Dispatchable,
			"parent_job_id":   job.ParentJobID,
			"root_job_id":     job.RootJobID,
			"status":          job.Status,
			"failure_reason":  job.FailureReason,
			"creator":         job.Creator,
			"organization":    job.Organization,
			"date_started":    job.DateStarted,
			"date_completed":  job.DateCompleted,
			"queue_time_ms":   job.QueueTimeMs,
			"run_time_ms":     job.RunTimeMs,
			"payload":         job.Payload,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("id = ?", job.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return core.NotFound("job %d", job.ID)
		}
		return core.Conflict("job %d version %d is stale", job.ID, job.Version)
	}
	job.Version++
	return nil
}

// GetJob retrieves a job by id; core.ErrNotFound if absent.
func (s *GormStore) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("job %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListDirectChildren returns the immediate children of a job ordered by
// creation date.
func (s *GormStore) ListDirectChildren(ctx context.Context, parentID int64) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("parent_job_id = ?", parentID).
		Order("date_created ASC, id ASC").
		Find(&jobList).Error
	return jobList, err
}

// ListDescendants returns every job in a root's tree except the root
// itself, ordered by creation date.
func (s *GormStore) ListDescendants(ctx context.Context, rootID int64) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("root_job_id = ? AND id <> ?", rootID, rootID).
		Order("date_created ASC, id ASC").
		Find(&jobList).Error
	return jobList, err
}

// ListJobs returns jobs of one service type and status.
func (s *GormStore) ListJobs(ctx context.Context, serviceType string, status core.JobStatus) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Where("job_type = ?", serviceType)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("date_created ASC, id ASC").Find(&jobList).Error
	return jobList, err
}

// ListJobsByStatuses returns jobs in any of the given statuses, oldest
// first, optionally restricted to dispatchable jobs.
func (s *GormStore) ListJobsByStatuses(ctx context.Context, statuses []core.JobStatus, dispatchableOnly bool) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Where("status IN ?", statuses)
	if dispatchableOnly {
		q = q.Where("dispatchable = ?", true)
	}
	err := q.Order("date_created ASC, id ASC").Find(&jobList).Error
	return jobList, err
}

// ListJobsOnService returns jobs of a (serviceType, host) pair in any of
// the given statuses.
func (s *GormStore) ListJobsOnService(ctx context.Context, serviceType, host string, statuses []core.JobStatus) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("job_type = ? AND processing_host = ? AND status IN ?", serviceType, host, statuses).
		Order("date_created ASC, id ASC").
		Find(&jobList).Error
	return jobList, err
}

// CountJobs counts jobs matching the given filters; empty strings and
// an empty status match everything.
func (s *GormStore) CountJobs(ctx context.Context, serviceType, host, operation string, status core.JobStatus) (int64, error) {
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if serviceType != "" {
		q = q.Where("job_type = ?", serviceType)
	}
	if host != "" {
		q = q.Where("processing_host = ?", host)
	}
	if operation != "" {
		q = q.Where("operation = ?", operation)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

// ActiveCountsByHost returns the number of running plus dispatching
// jobs per processing host.
func (s *GormStore) ActiveCountsByHost(ctx context.Context) (map[string]int64, error) {
	type row struct {
		ProcessingHost string
		N              int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("processing_host, count(*) as n").
		Where("status IN ?", []core.JobStatus{core.StatusRunning, core.StatusDispatching}).
		Where("processing_host <> ''").
		Group("processing_host").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.ProcessingHost] = r.N
	}
	return counts, nil
}

// AverageTimes returns the mean queue and run time in milliseconds plus
// the finished-job count for a (serviceType, host) pair.
func (s *GormStore) AverageTimes(ctx context.Context, serviceType, host string) (int64, int64, int64, error) {
	type row struct {
		MeanQueue float64
		MeanRun   float64
		N         int64
	}
	var r row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("COALESCE(AVG(queue_time_ms), 0) as mean_queue, COALESCE(AVG(run_time_ms), 0) as mean_run, COUNT(*) as n").
		Where("job_type = ? AND processing_host = ? AND status = ?", serviceType, host, core.StatusFinished).
		Find(&r).Error
	if err != nil {
		return 0, 0, 0, err
	}
	return int64(r.MeanQueue), int64(r.MeanRun), r.N, nil
}

// UpdateJobContext writes the shared context properties onto the root
// job's row without touching the version token.
func (s *GormStore) UpdateJobContext(ctx context.Context, rootID int64, properties core.PropertyMap) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", rootID).
		Update("context", properties)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("job %d", rootID)
	}
	return nil
}

// DeleteParentlessJobsBefore removes terminal jobs without a parent
// created before the cutoff, returning the number removed.
func (s *GormStore) DeleteParentlessJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("parent_job_id = ?", core.NoParent).
		Where("status IN ?", []core.JobStatus{
			core.StatusFinished, core.StatusFailed, core.StatusDeleted, core.StatusCanceled,
		}).
		Where("date_created < ?", cutoff).
		Delete(&core.Job{})
	return result.RowsAffected, result.Error
}

// ── Incidents ──

// CreateIncident persists a new incident and assigns its id.
func (s *GormStore) CreateIncident(ctx context.Context, incident *core.Incident) error {
	return s.db.WithContext(ctx).Create(incident).Error
}

// GetIncident retrieves an incident by id; core.ErrNotFound if absent.
func (s *GormStore) GetIncident(ctx context.Context, id int64) (*core.Incident, error) {
	var incident core.Incident
	err := s.db.WithContext(ctx).First(&incident, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("incident %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// ListIncidentsOfJob returns one job's incidents in creation order.
func (s *GormStore) ListIncidentsOfJob(ctx context.Context, jobID int64) ([]*core.Incident, error) {
	var incidents []*core.Incident
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC, id ASC").
		Find(&incidents).Error
	return incidents, err
}

// ListIncidentsOfJobs is the flat batch variant of ListIncidentsOfJob.
func (s *GormStore) ListIncidentsOfJobs(ctx context.Context, jobIDs []int64) ([]*core.Incident, error) {
	var incidents []*core.Incident
	if len(jobIDs) == 0 {
		return incidents, nil
	}
	err := s.db.WithContext(ctx).
		Where("job_id IN ?", jobIDs).
		Order("job_id ASC, timestamp ASC, id ASC").
		Find(&incidents).Error
	return incidents, err
}

// CountIncidents counts a job's incidents, optionally by severity.
func (s *GormStore) CountIncidents(ctx context.Context, jobID int64, severity core.Severity) (int64, error) {
	q := s.db.WithContext(ctx).Model(&core.Incident{}).Where("job_id = ?", jobID)
	if severity != "" {
		q = q.Where("severity = ?", severity)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}
