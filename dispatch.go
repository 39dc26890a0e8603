// Package dispatch provides a distributed job dispatch and service
// registry: hosts register the service types they offer, jobs are
// persisted centrally and placed on the least loaded host, and
// structured incidents record what went wrong.
//
// This is the main package users should import. It re-exports the
// public types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and build a registry for this node
//	db, _ := gorm.Open(sqlite.Open("dispatch.db"), &gorm.Config{})
//	store := dispatch.NewGormStore(db)
//	store.Migrate(context.Background())
//	reg := dispatch.NewRegistry(store, "node1:8080")
//
//	// Offer a service and handle its operations
//	reg.RegisterHost(ctx, "node1:8080", 4)
//	reg.RegisterService(ctx, "org.example.encode", "node1:8080", "/encode", true)
//	prod := dispatch.NewProducer(reg, incidents, "org.example.encode", "node1:8080", 4,
//	    dispatch.WithHandler("encode", encodeHandler))
//
//	// Create a job and wait for it
//	job, _ := reg.CreateJob(ctx, "org.example.encode", "encode", args, "", true, nil)
//	b := dispatch.NewBarrier(reg)
//	b.AddJob(job)
//	result, _ := b.WaitForJobs(ctx, time.Minute)
package dispatch

import (
	"gorm.io/gorm"

	"github.com/mediagrid/dispatch/pkg/barrier"
	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/incident"
	"github.com/mediagrid/dispatch/pkg/jobctx"
	"github.com/mediagrid/dispatch/pkg/producer"
	"github.com/mediagrid/dispatch/pkg/registry"
	"github.com/mediagrid/dispatch/pkg/remote"
	"github.com/mediagrid/dispatch/pkg/security"
	"github.com/mediagrid/dispatch/pkg/storage"
)

// Type aliases re-exporting the domain surface.
type (
	// Job is a long-running, asynchronous unit of work.
	Job = core.Job

	// JobStatus is the job lifecycle state.
	JobStatus = core.JobStatus

	// FailureReason classifies why a job failed.
	FailureReason = core.FailureReason

	// HostRegistration records a worker host and its capacity.
	HostRegistration = core.HostRegistration

	// ServiceRegistration records one service type offered by one host.
	ServiceRegistration = core.ServiceRegistration

	// ServiceStatistics aggregates counts and timings per registration.
	ServiceStatistics = core.ServiceStatistics

	// NodeLoad is the load snapshot of one host.
	NodeLoad = core.NodeLoad

	// SystemLoad is the load snapshot of the fleet.
	SystemLoad = core.SystemLoad

	// Incident is a structured failure or warning record tied to a job.
	Incident = core.Incident

	// IncidentTree mirrors a job tree's incidents.
	IncidentTree = core.IncidentTree

	// Detail is one (title, text) pair attached to an incident.
	Detail = core.Detail

	// Severity classifies an incident.
	Severity = core.Severity

	// Localization is the rendered text of an incident for a locale.
	Localization = core.Localization

	// Store is the persistence layer behind the registry.
	Store = core.Store

	// TransportError indicates a network failure against a remote node.
	TransportError = core.TransportError

	// Identity is the tenant identity job handlers execute under.
	Identity = jobctx.Identity

	// Registry is the in-process registry implementation.
	Registry = registry.Registry

	// Dispatcher places queued jobs on the least loaded host.
	Dispatcher = registry.Dispatcher

	// ProducerDirectory maps (serviceType, host) pairs to producers.
	ProducerDirectory = registry.ProducerDirectory

	// Producer executes jobs through a bounded worker pool.
	Producer = producer.Producer

	// Handler executes one operation of a service type.
	Handler = producer.Handler

	// Barrier waits for a set of jobs to reach a terminal status.
	Barrier = barrier.Barrier

	// BarrierResult is the outcome of a barrier wait.
	BarrierResult = barrier.Result

	// IncidentLog records and queries incidents.
	IncidentLog = incident.Log

	// RemoteRegistry is the HTTP client for a registry on another node.
	RemoteRegistry = remote.Client

	// GormStore is the GORM-backed persistence layer.
	GormStore = storage.GormStore
)

// Job status constants.
const (
	StatusInstantiated = core.StatusInstantiated
	StatusQueued       = core.StatusQueued
	StatusDispatching  = core.StatusDispatching
	StatusRunning      = core.StatusRunning
	StatusPaused       = core.StatusPaused
	StatusRestart      = core.StatusRestart
	StatusFinished     = core.StatusFinished
	StatusFailed       = core.StatusFailed
	StatusDeleted      = core.StatusDeleted
	StatusCanceled     = core.StatusCanceled
)

// Incident severity constants.
const (
	SeverityInfo    = core.SeverityInfo
	SeverityWarning = core.SeverityWarning
	SeverityFailure = core.SeverityFailure
)

// Security limits.
const (
	MaxServiceTypeLength = security.MaxServiceTypeLength
	MaxOperationLength   = security.MaxOperationLength
	MaxArgumentsSize     = security.MaxArgumentsSize
	MaxConcurrency       = security.MaxConcurrency
)

// Error variables for errors.Is matching.
var (
	ErrNotFound     = core.ErrNotFound
	ErrConflict     = core.ErrConflict
	ErrIllegalState = core.ErrIllegalState
	ErrCanceled     = barrier.ErrCanceled
)

// NewRegistry creates the in-process registry for this node.
func NewRegistry(store Store, host string, opts ...registry.Option) *Registry {
	return registry.New(store, host, opts...)
}

// NewGormStore creates a GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return storage.NewGormStore(db)
}

// NewProducer creates a job producer for a service type on a host.
func NewProducer(reg core.Registry, incidents core.IncidentLog, serviceType, host string, maxConcurrentJobs int, opts ...producer.Option) *Producer {
	return producer.New(reg, incidents, serviceType, host, maxConcurrentJobs, opts...)
}

// WithHandler registers a handler for one operation on a producer.
func WithHandler(operation string, h Handler) producer.Option {
	return producer.WithHandler(operation, h)
}

// NewBarrier creates a barrier over a registry.
func NewBarrier(reg core.Registry, opts ...barrier.Option) *Barrier {
	return barrier.New(reg, opts...)
}

// NewIncidentLog creates an incident log over a store.
func NewIncidentLog(store Store, opts ...incident.Option) *IncidentLog {
	return incident.NewLog(store, opts...)
}

// NewRemoteRegistry creates an HTTP client for the registry at baseURL.
func NewRemoteRegistry(baseURL, host string, opts ...remote.Option) *RemoteRegistry {
	return remote.New(baseURL, host, opts...)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	return core.IsTransport(err)
}

// ValidateServiceType validates a service type name.
func ValidateServiceType(name string) error {
	return security.ValidateServiceType(name)
}

// ValidateOperation validates an operation name.
func ValidateOperation(name string) error {
	return security.ValidateOperation(name)
}
