// Package core provides the domain models and interfaces for the dispatch module.
package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusInstantiated JobStatus = "instantiated" // Created for inline execution, never dispatched
	StatusQueued       JobStatus = "queued"
	StatusDispatching  JobStatus = "dispatching"
	StatusRunning      JobStatus = "running"
	StatusPaused       JobStatus = "paused"
	StatusRestart      JobStatus = "restart" // Resuming after a pause, re-queued next pass
	StatusFinished     JobStatus = "finished"
	StatusFailed       JobStatus = "failed"
	StatusDeleted      JobStatus = "deleted"
	StatusCanceled     JobStatus = "canceled"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusDeleted, StatusCanceled:
		return true
	}
	return false
}

// Active reports whether a job in this status is still tracked for
// load accounting or dispatch.
func (s JobStatus) Active() bool {
	switch s {
	case StatusQueued, StatusDispatching, StatusRunning, StatusPaused, StatusRestart:
		return true
	}
	return false
}

// FailureReason classifies why a job failed.
type FailureReason string

const (
	FailureNone       FailureReason = "none"
	FailureData       FailureReason = "data"       // Bad input, retrying won't help
	FailureProcessing FailureReason = "processing" // The handler itself failed
)

// NoParent marks a job without a parent; such a job is its own root.
const NoParent int64 = -1

// ArgumentList is an ordered list of positional handler arguments,
// stored as a JSON column.
type ArgumentList []string

func (a ArgumentList) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *ArgumentList) Scan(src any) error {
	return scanJSON(src, a)
}

// PropertyMap holds key/value properties shared by all jobs in the same
// root tree, stored as a JSON column on the root job.
type PropertyMap map[string]string

func (p PropertyMap) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *PropertyMap) Scan(src any) error {
	return scanJSON(src, p)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("core: cannot scan %T into JSON column", src)
	}
}

// Job represents a long-running, asynchronous unit of work tracked
// through the registry.
type Job struct {
	ID      int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Version int64 `gorm:"not null;default:0" json:"version"` // Optimistic concurrency token

	JobType   string       `gorm:"index;size:255;not null" json:"jobType"`
	Operation string       `gorm:"index;size:255;not null" json:"operation"`
	Arguments ArgumentList `gorm:"type:text" json:"arguments"`

	CreatedHost    string `gorm:"size:255" json:"createdHost"`
	ProcessingHost string `gorm:"index;size:255" json:"processingHost"`
	Dispatchable   bool   `gorm:"index" json:"dispatchable"` // Non-dispatchable jobs run inline by their creator

	ParentJobID int64 `gorm:"index;default:-1" json:"parentJobId"`
	RootJobID   int64 `gorm:"index;default:-1" json:"rootJobId"`

	Status        JobStatus     `gorm:"index;size:20;default:'instantiated'" json:"status"`
	FailureReason FailureReason `gorm:"size:20;default:'none'" json:"failureReason"`
	Creator       string        `gorm:"size:255" json:"creator"`
	Organization  string        `gorm:"size:255" json:"organization"`

	DateCreated   time.Time  `gorm:"autoCreateTime" json:"dateCreated"`
	DateStarted   *time.Time `json:"dateStarted,omitempty"`
	DateCompleted *time.Time `json:"dateCompleted,omitempty"`
	QueueTimeMs   int64      `json:"queueTime"` // Denormalized, milliseconds
	RunTimeMs     int64      `json:"runTime"`   // Denormalized, milliseconds

	Payload *string     `gorm:"type:text" json:"payload,omitempty"` // Set iff status is finished
	Context PropertyMap `gorm:"type:text" json:"context,omitempty"` // Persisted on the root job only
}

// SelfRoot reports whether the job is the root of its own tree.
func (j *Job) SelfRoot() bool {
	return j.RootJobID == NoParent || j.RootJobID == j.ID
}

// Root returns the id of the job tree this job belongs to.
func (j *Job) Root() int64 {
	if j.SelfRoot() {
		return j.ID
	}
	return j.RootJobID
}

// Signature identifies the job's capability slot, used in logs and for
// skip lists during dispatch.
func (j *Job) Signature() string {
	return j.JobType + "@" + j.Operation
}
