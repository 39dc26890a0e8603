package core

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Severity classifies an incident.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityFailure Severity = "failure"
)

// Detail is one (title, text) pair attached to an incident, e.g. a
// captured stack trace or an external tool command line. Order matters.
type Detail struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// DetailList is an ordered list of incident details, stored as JSON.
type DetailList []Detail

func (d DetailList) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *DetailList) Scan(src any) error {
	return scanJSON(src, d)
}

// Incident is a structured failure or warning record tied to a job.
// Incidents are append-only; at most one failure-severity incident may
// exist per job.
type Incident struct {
	ID             int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID          int64       `gorm:"index;not null" json:"jobId"`
	ServiceType    string      `gorm:"size:255" json:"serviceType"`
	ProcessingHost string      `gorm:"size:255" json:"processingHost"`
	Timestamp      time.Time   `json:"timestamp"`
	Severity       Severity    `gorm:"size:20;not null" json:"severity"`
	Code           string      `gorm:"size:255;not null" json:"code"` // Convention: service_type.number
	Details        DetailList  `gorm:"type:text" json:"details"`
	Parameters     PropertyMap `gorm:"type:text" json:"descriptionParameters"`
}

// IncidentTree holds the incidents attached to one job plus the trees
// of its child jobs. It is computed on demand and never persisted.
type IncidentTree struct {
	Incidents []*Incident     `json:"incidents"`
	Children  []*IncidentTree `json:"children,omitempty"`
}

// Concat flattens the tree into a single list, depth-first with each
// parent's incidents before its children's.
func (t *IncidentTree) Concat() []*Incident {
	if t == nil {
		return nil
	}
	out := make([]*Incident, 0, len(t.Incidents))
	out = append(out, t.Incidents...)
	for _, child := range t.Children {
		out = append(out, child.Concat()...)
	}
	return out
}

// Localization is the human-readable rendering of an incident for a
// requested locale.
type Localization struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}
