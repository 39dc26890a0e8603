// Package remote is the HTTP client for a registry running on another
// node. It implements the same Registry and IncidentLog interfaces as
// the in-process versions so callers never care where the registry
// lives.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/endpoint"
	"github.com/mediagrid/dispatch/pkg/jobctx"
)

// Client talks to a remote registry over its HTTP endpoint. GET
// requests retry with backoff; mutations are sent once so a conflict
// answer is never masked by a replay.
type Client struct {
	baseURL string
	host    string // this node's address, sent as the caller host
	reads   *retryablehttp.Client
	writes  *retryablehttp.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryMax sets the retry budget for idempotent reads.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.reads.RetryMax = n }
}

// WithTimeout sets the per-request timeout on both clients.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.reads.HTTPClient.Timeout = d
		c.writes.HTTPClient.Timeout = d
	}
}

// New creates a client for the registry at baseURL. host is this
// node's own address, attached to every request as the caller host.
func New(baseURL, host string, opts ...Option) *Client {
	reads := retryablehttp.NewClient()
	reads.RetryMax = 3
	reads.Logger = nil

	writes := retryablehttp.NewClient()
	writes.RetryMax = 0
	writes.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		host:    host,
		reads:   reads,
		writes:  writes,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── Transport plumbing ──

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	identity := jobctx.IdentityFromContext(ctx)
	if identity.User != "" {
		req.Header.Set(endpoint.HeaderUser, identity.User)
	}
	if identity.Organization != "" {
		req.Header.Set(endpoint.HeaderOrganization, identity.Organization)
	}
	if c.host != "" {
		req.Header.Set(endpoint.HeaderCallerHost, c.host)
	}
	return req, nil
}

// do executes a request and decodes a JSON response into out when out
// is non-nil. Status codes map onto the error taxonomy: 404 is
// ErrNotFound, 409 ErrConflict, 400 ErrConflict as well since the
// remote side rejected the input, and anything else non-2xx or a
// network failure is a TransportError.
func (c *Client) do(client *retryablehttp.Client, req *retryablehttp.Request, op string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return core.Transport(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.Transport(op, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return core.NotFound("%s", op)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusBadRequest:
		return core.Conflict("%s: %s", op, readError(resp.Body))
	default:
		return core.Transport(op, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readError(resp.Body)))
	}
}

func readError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) getJSON(ctx context.Context, path, op string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return core.Transport(op, err)
	}
	return c.do(c.reads, req, op, out)
}

func (c *Client) postForm(ctx context.Context, path, op string, form url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return core.Transport(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(c.writes, req, op, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path, op string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return core.Transport(op, err)
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(raw))
	if err != nil {
		return core.Transport(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.writes, req, op, out)
}

func (c *Client) getText(ctx context.Context, path, op string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", core.Transport(op, err)
	}
	resp, err := c.reads.Do(req)
	if err != nil {
		return "", core.Transport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", core.Transport(op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", core.Transport(op, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// ── Host bookkeeping ──

func (c *Client) RegisterHost(ctx context.Context, host string, maxConcurrentJobs int) error {
	return c.postForm(ctx, "/registerhost", "register host", url.Values{
		"host":              {host},
		"maxConcurrentJobs": {strconv.Itoa(maxConcurrentJobs)},
	}, nil)
}

func (c *Client) UnregisterHost(ctx context.Context, host string) error {
	return c.postForm(ctx, "/unregisterhost", "unregister host", url.Values{"host": {host}}, nil)
}

func (c *Client) EnableHost(ctx context.Context, host string) error {
	return c.postForm(ctx, "/enablehost", "enable host", url.Values{"host": {host}}, nil)
}

func (c *Client) DisableHost(ctx context.Context, host string) error {
	return c.postForm(ctx, "/disablehost", "disable host", url.Values{"host": {host}}, nil)
}

func (c *Client) SetMaintenanceStatus(ctx context.Context, host string, maintenance bool) error {
	return c.postForm(ctx, "/maintenance", "set maintenance", url.Values{
		"host":        {host},
		"maintenance": {strconv.FormatBool(maintenance)},
	}, nil)
}

func (c *Client) GetHostRegistrations(ctx context.Context) ([]*core.HostRegistration, error) {
	var hosts []*core.HostRegistration
	if err := c.getJSON(ctx, "/hosts", "list hosts", &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// ── Service bookkeeping ──

func (c *Client) RegisterService(ctx context.Context, serviceType, host, path string, jobProducer bool) (*core.ServiceRegistration, error) {
	var reg core.ServiceRegistration
	err := c.postForm(ctx, "/register", "register service", url.Values{
		"serviceType": {serviceType},
		"host":        {host},
		"path":        {path},
		"jobProducer": {strconv.FormatBool(jobProducer)},
	}, &reg)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (c *Client) UnregisterService(ctx context.Context, serviceType, host string) error {
	return c.postForm(ctx, "/unregister", "unregister service", url.Values{
		"serviceType": {serviceType},
		"host":        {host},
	}, nil)
}

func (c *Client) GetServiceRegistrations(ctx context.Context) ([]*core.ServiceRegistration, error) {
	var services []*core.ServiceRegistration
	if err := c.getJSON(ctx, "/services", "list services", &services); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Client) GetServiceRegistrationsByLoad(ctx context.Context, serviceType string) ([]*core.ServiceRegistration, error) {
	var services []*core.ServiceRegistration
	path := "/available?serviceType=" + url.QueryEscape(serviceType)
	if err := c.getJSON(ctx, path, "list available services", &services); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Client) GetServiceStatistics(ctx context.Context) ([]*core.ServiceStatistics, error) {
	var stats []*core.ServiceStatistics
	if err := c.getJSON(ctx, "/statistics", "service statistics", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// ── Job lifecycle ──

func (c *Client) CreateJob(ctx context.Context, jobType, operation string, arguments []string, payload string, dispatchable bool, parent *core.Job) (*core.Job, error) {
	form := url.Values{
		"jobType":      {jobType},
		"operation":    {operation},
		"dispatchable": {strconv.FormatBool(dispatchable)},
	}
	for _, arg := range arguments {
		form.Add("arguments", arg)
	}
	if payload != "" {
		form.Set("payload", payload)
	}
	if parent != nil {
		form.Set("parentId", strconv.FormatInt(parent.ID, 10))
	}
	var job core.Job
	if err := c.postForm(ctx, "/job", "create job", form, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) UpdateJob(ctx context.Context, job *core.Job) (*core.Job, error) {
	path := "/job/" + strconv.FormatInt(job.ID, 10)
	if err := c.sendJSON(ctx, http.MethodPut, path, "update job", job, nil); err != nil {
		return nil, err
	}
	return c.GetJob(ctx, job.ID)
}

func (c *Client) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	var job core.Job
	path := "/job/" + strconv.FormatInt(id, 10)
	if err := c.getJSON(ctx, path, "get job", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetChildJobs(ctx context.Context, id int64) ([]*core.Job, error) {
	var jobs []*core.Job
	path := "/job/" + strconv.FormatInt(id, 10) + "/children"
	if err := c.getJSON(ctx, path, "get child jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJobs(ctx context.Context, serviceType string, status core.JobStatus) ([]*core.Job, error) {
	var jobs []*core.Job
	path := "/jobs?serviceType=" + url.QueryEscape(serviceType) + "&status=" + url.QueryEscape(string(status))
	if err := c.getJSON(ctx, path, "list jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetActiveJobs(ctx context.Context) ([]*core.Job, error) {
	statuses := []core.JobStatus{
		core.StatusQueued, core.StatusDispatching, core.StatusRunning,
		core.StatusPaused, core.StatusRestart,
	}
	var all []*core.Job
	for _, status := range statuses {
		jobs, err := c.GetJobs(ctx, "", status)
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
	}
	return all, nil
}

// ── Aggregates ──

func (c *Client) Count(ctx context.Context, serviceType string, status core.JobStatus) (int64, error) {
	return c.countPath(ctx, url.Values{
		"serviceType": {serviceType},
		"status":      {string(status)},
	})
}

func (c *Client) CountByHost(ctx context.Context, serviceType, host string, status core.JobStatus) (int64, error) {
	return c.countPath(ctx, url.Values{
		"serviceType": {serviceType},
		"host":        {host},
		"status":      {string(status)},
	})
}

func (c *Client) CountByOperation(ctx context.Context, serviceType, operation string, status core.JobStatus) (int64, error) {
	return c.countPath(ctx, url.Values{
		"serviceType": {serviceType},
		"operation":   {operation},
		"status":      {string(status)},
	})
}

func (c *Client) countPath(ctx context.Context, query url.Values) (int64, error) {
	text, err := c.getText(ctx, "/count?"+query.Encode(), "count jobs")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, core.Transport("count jobs", fmt.Errorf("unparseable count %q", text))
	}
	return n, nil
}

func (c *Client) GetMaxConcurrentJobs(ctx context.Context) (int, error) {
	text, err := c.getText(ctx, "/maxconcurrentjobs", "max concurrent jobs")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, core.Transport("max concurrent jobs", fmt.Errorf("unparseable count %q", text))
	}
	return n, nil
}

func (c *Client) GetLoad(ctx context.Context) (core.SystemLoad, error) {
	var load core.SystemLoad
	if err := c.getJSON(ctx, "/load", "system load", &load); err != nil {
		return nil, err
	}
	return load, nil
}

func (c *Client) Sanitize(ctx context.Context, serviceType, host string) error {
	return c.postForm(ctx, "/sanitize", "sanitize service", url.Values{
		"serviceType": {serviceType},
		"host":        {host},
	}, nil)
}

// ── Incidents ──

type incidentRequest struct {
	JobID      int64             `json:"jobId"`
	Code       string            `json:"code"`
	Severity   core.Severity     `json:"severity"`
	Timestamp  time.Time         `json:"timestamp"`
	Parameters map[string]string `json:"descriptionParameters,omitempty"`
	Details    []core.Detail     `json:"details,omitempty"`
}

func (c *Client) StoreIncident(ctx context.Context, job *core.Job, timestamp time.Time, code string, severity core.Severity, parameters map[string]string, details []core.Detail) (*core.Incident, error) {
	var inc core.Incident
	err := c.sendJSON(ctx, http.MethodPost, "/incidents", "store incident", incidentRequest{
		JobID:      job.ID,
		Code:       code,
		Severity:   severity,
		Timestamp:  timestamp,
		Parameters: parameters,
		Details:    details,
	}, &inc)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func (c *Client) GetIncident(ctx context.Context, id int64) (*core.Incident, error) {
	var inc core.Incident
	path := "/incidents/" + strconv.FormatInt(id, 10)
	if err := c.getJSON(ctx, path, "get incident", &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (c *Client) GetIncidentsOfJob(ctx context.Context, jobID int64) ([]*core.Incident, error) {
	var incidents []*core.Incident
	path := "/incidents/job/" + strconv.FormatInt(jobID, 10)
	if err := c.getJSON(ctx, path, "incidents of job", &incidents); err != nil {
		return nil, err
	}
	return incidents, nil
}

func (c *Client) GetIncidentTreeOfJob(ctx context.Context, jobID int64) (*core.IncidentTree, error) {
	var tree core.IncidentTree
	path := "/incidents/job/" + strconv.FormatInt(jobID, 10) + "?cascade=true"
	if err := c.getJSON(ctx, path, "incident tree of job", &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

func (c *Client) GetIncidentsOfJobs(ctx context.Context, jobIDs []int64) (map[int64][]*core.Incident, error) {
	out := make(map[int64][]*core.Incident, len(jobIDs))
	for _, id := range jobIDs {
		incidents, err := c.GetIncidentsOfJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = incidents
	}
	return out, nil
}

func (c *Client) GetLocalization(ctx context.Context, incidentID int64, locale string) (*core.Localization, error) {
	var loc core.Localization
	path := "/incidents/localization/" + strconv.FormatInt(incidentID, 10) + "?locale=" + url.QueryEscape(locale)
	if err := c.getJSON(ctx, path, "incident localization", &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// Interface conformance.
var (
	_ core.Registry    = (*Client)(nil)
	_ core.IncidentLog = (*Client)(nil)
)
