package core

import "time"

// HostRegistration records a worker host and its capacity.
type HostRegistration struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	Host              string    `gorm:"uniqueIndex;size:255;not null" json:"host"`
	MaxConcurrentJobs int       `gorm:"not null" json:"maxConcurrentJobs"`
	Online            bool      `json:"online"`
	Maintenance       bool      `json:"maintenance"`
	DateRegistered    time.Time `gorm:"autoCreateTime" json:"-"`
}

// ServiceRegistration records one service type offered by one host.
// Many registrations may exist per service type, one per offering host.
type ServiceRegistration struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ServiceType string `gorm:"uniqueIndex:idx_service_host;size:255;not null" json:"serviceType"`
	Host        string `gorm:"uniqueIndex:idx_service_host;size:255;not null" json:"host"`
	Path        string `gorm:"size:255" json:"path"`
	JobProducer bool   `json:"jobProducer"` // Can execute jobs, not merely trigger them

	// Derived from the owning host at query time, never written directly.
	Online      bool `gorm:"-" json:"online"`
	Maintenance bool `gorm:"-" json:"maintenance"`
}

// NodeLoad is the load snapshot of a single host.
type NodeLoad struct {
	Host              string `json:"host"`
	RunningJobs       int64  `json:"runningJobs"` // Running plus dispatching
	MaxConcurrentJobs int    `json:"maxConcurrentJobs"`
}

// Exceeds reports whether the host is at or over capacity.
func (n NodeLoad) Exceeds() bool {
	return n.RunningJobs >= int64(n.MaxConcurrentJobs)
}

// SystemLoad is the load snapshot of the whole fleet, keyed by host.
type SystemLoad map[string]NodeLoad

// ServiceStatistics aggregates job counts and timings for one service
// registration, for dashboards and the statistics endpoint.
type ServiceStatistics struct {
	Registration    *ServiceRegistration `json:"registration"`
	RunningJobs     int64                `json:"runningJobs"`
	QueuedJobs      int64                `json:"queuedJobs"`
	FinishedJobs    int64                `json:"finishedJobs"`
	MeanRunTimeMs   int64                `json:"meanRunTime"`
	MeanQueueTimeMs int64                `json:"meanQueueTime"`
}
