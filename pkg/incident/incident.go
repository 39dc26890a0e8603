// Package incident records structured failure and warning data for
// jobs, and renders incidents into localized human-readable text.
package incident

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/security"
)

// DefaultLocale is the fallback when a requested locale has no bundle.
const DefaultLocale = "en"

var _ core.IncidentLog = (*Log)(nil)

// Log is the store-backed implementation of core.IncidentLog.
type Log struct {
	store  core.Store
	logger *zap.Logger

	mu      sync.RWMutex
	bundles map[string]map[string]core.Localization // locale -> code -> text
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the incident log's logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// NewLog creates an incident log persisting through the given store.
func NewLog(store core.Store, opts ...Option) *Log {
	lg := &Log{
		store:   store,
		logger:  zap.NewNop(),
		bundles: make(map[string]map[string]core.Localization),
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// RegisterLocalization installs the title and description templates for
// one incident code in one locale. Templates substitute {name}
// placeholders from the incident's parameters.
func (lg *Log) RegisterLocalization(locale, code string, loc core.Localization) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	bundle, ok := lg.bundles[locale]
	if !ok {
		bundle = make(map[string]core.Localization)
		lg.bundles[locale] = bundle
	}
	bundle[code] = loc
}

// StoreIncident persists a new incident against a job. The job must be
// known to the registry, and a job may carry at most one
// failure-severity incident; both violations yield core.ErrConflict.
func (lg *Log) StoreIncident(ctx context.Context, job *core.Job, timestamp time.Time, code string, severity core.Severity, parameters map[string]string, details []core.Detail) (*core.Incident, error) {
	if err := security.ValidateIncidentCode(code); err != nil {
		return nil, err
	}
	if _, err := lg.store.GetJob(ctx, job.ID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.Conflict("incident for unknown job %d", job.ID)
		}
		return nil, err
	}
	if severity == core.SeverityFailure {
		failures, err := lg.store.CountIncidents(ctx, job.ID, core.SeverityFailure)
		if err != nil {
			return nil, err
		}
		if failures > 0 {
			return nil, core.Conflict("job %d already has a failure incident", job.ID)
		}
	}

	sanitized := make(core.DetailList, len(details))
	for i, d := range details {
		sanitized[i] = core.Detail{
			Title: d.Title,
			Text:  security.SanitizeDetailText(d.Text),
		}
	}

	inc := &core.Incident{
		JobID:          job.ID,
		ServiceType:    job.JobType,
		ProcessingHost: job.ProcessingHost,
		Timestamp:      timestamp,
		Severity:       severity,
		Code:           code,
		Details:        sanitized,
		Parameters:     parameters,
	}
	if err := lg.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	lg.logger.Debug("incident stored",
		zap.Int64("job_id", job.ID),
		zap.String("code", code),
		zap.String("severity", string(severity)))
	return inc, nil
}

// GetIncident retrieves one incident by id.
func (lg *Log) GetIncident(ctx context.Context, id int64) (*core.Incident, error) {
	return lg.store.GetIncident(ctx, id)
}

// GetIncidentsOfJob returns the job's own incidents in creation order.
func (lg *Log) GetIncidentsOfJob(ctx context.Context, jobID int64) ([]*core.Incident, error) {
	if _, err := lg.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return lg.store.ListIncidentsOfJob(ctx, jobID)
}

// GetIncidentTreeOfJob builds the incident tree rooted at a job,
// mirroring its job tree.
func (lg *Log) GetIncidentTreeOfJob(ctx context.Context, jobID int64) (*core.IncidentTree, error) {
	if _, err := lg.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return lg.buildTree(ctx, jobID)
}

func (lg *Log) buildTree(ctx context.Context, jobID int64) (*core.IncidentTree, error) {
	incidents, err := lg.store.ListIncidentsOfJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tree := &core.IncidentTree{Incidents: incidents}
	children, err := lg.store.ListDirectChildren(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		subtree, err := lg.buildTree(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		tree.Children = append(tree.Children, subtree)
	}
	return tree, nil
}

// GetIncidentsOfJobs is a flat batch lookup keyed by job id. Jobs
// without incidents are present with an empty slice.
func (lg *Log) GetIncidentsOfJobs(ctx context.Context, jobIDs []int64) (map[int64][]*core.Incident, error) {
	incidents, err := lg.store.ListIncidentsOfJobs(ctx, jobIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]*core.Incident, len(jobIDs))
	for _, id := range jobIDs {
		out[id] = []*core.Incident{}
	}
	for _, inc := range incidents {
		out[inc.JobID] = append(out[inc.JobID], inc)
	}
	return out, nil
}

// GetLocalization renders an incident's code and parameters for a
// locale, falling back to the default locale and finally to the raw
// code when no bundle matches.
func (lg *Log) GetLocalization(ctx context.Context, incidentID int64, locale string) (*core.Localization, error) {
	inc, err := lg.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	lg.mu.RLock()
	loc, ok := lg.lookupLocked(locale, inc.Code)
	lg.mu.RUnlock()
	if !ok {
		return &core.Localization{Title: inc.Code, Description: inc.Code}, nil
	}
	return &core.Localization{
		Title:       substitute(loc.Title, inc.Parameters),
		Description: substitute(loc.Description, inc.Parameters),
	}, nil
}

func (lg *Log) lookupLocked(locale, code string) (core.Localization, bool) {
	if bundle, ok := lg.bundles[locale]; ok {
		if loc, ok := bundle[code]; ok {
			return loc, true
		}
	}
	if locale != DefaultLocale {
		if bundle, ok := lg.bundles[DefaultLocale]; ok {
			if loc, ok := bundle[code]; ok {
				return loc, true
			}
		}
	}
	return core.Localization{}, false
}

// substitute replaces {name} placeholders with parameter values.
// Unknown placeholders are left intact.
func substitute(template string, params core.PropertyMap) string {
	if len(params) == 0 {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
