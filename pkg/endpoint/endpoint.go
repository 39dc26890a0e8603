// Package endpoint exposes the registry and incident log over HTTP for
// remote nodes and administrative clients.
package endpoint

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mediagrid/dispatch/pkg/core"
	"github.com/mediagrid/dispatch/pkg/jobctx"
)

// Request headers carrying caller identity between nodes.
const (
	HeaderUser         = "X-User"
	HeaderOrganization = "X-Organization"
	HeaderCallerHost   = "X-Caller-Host"
)

// Server binds a registry and an incident log to an HTTP router.
type Server struct {
	registry  core.Registry
	incidents core.IncidentLog
	logger    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the HTTP binding for a registry and incident log.
func NewServer(registry core.Registry, incidents core.IncidentLog, opts ...Option) *Server {
	s := &Server{
		registry:  registry,
		incidents: incidents,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.identity())

	router.POST("/job", s.createJob)
	router.PUT("/job/:id", s.updateJob)
	router.GET("/job/:id", s.getJob)
	router.GET("/job/:id/children", s.getChildJobs)
	router.GET("/jobs", s.listJobs)

	router.POST("/registerhost", s.registerHost)
	router.POST("/unregisterhost", s.unregisterHost)
	router.POST("/enablehost", s.enableHost)
	router.POST("/disablehost", s.disableHost)
	router.POST("/maintenance", s.setMaintenance)
	router.GET("/hosts", s.listHosts)

	router.POST("/register", s.registerService)
	router.POST("/unregister", s.unregisterService)
	router.GET("/services", s.listServices)
	router.GET("/available", s.listAvailable)
	router.GET("/statistics", s.statistics)

	router.GET("/count", s.count)
	router.GET("/maxconcurrentjobs", s.maxConcurrentJobs)
	router.GET("/load", s.load)
	router.POST("/sanitize", s.sanitize)

	router.POST("/incidents", s.storeIncident)
	router.GET("/incidents/:id", s.getIncident)
	router.GET("/incidents/job/:id", s.getIncidentsOfJob)
	router.GET("/incidents/localization/:id", s.localization)

	return router
}

// identity copies the caller's identity headers onto the request
// context so job creation attributes work to the right tenant and node.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		user := c.GetHeader(HeaderUser)
		org := c.GetHeader(HeaderOrganization)
		if user != "" || org != "" {
			ctx = jobctx.WithIdentity(ctx, jobctx.Identity{User: user, Organization: org})
		}
		if host := c.GetHeader(HeaderCallerHost); host != "" {
			ctx = jobctx.WithCallerHost(ctx, host)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// fail maps the error taxonomy onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrIllegalState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrInvalidServiceType),
		errors.Is(err, core.ErrServiceTypeTooLong),
		errors.Is(err, core.ErrInvalidOperation),
		errors.Is(err, core.ErrOperationTooLong),
		errors.Is(err, core.ErrArgumentsTooLarge),
		errors.Is(err, core.ErrInvalidHost),
		errors.Is(err, core.ErrInvalidIncidentCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// ── Jobs ──

func (s *Server) createJob(c *gin.Context) {
	jobType := c.PostForm("jobType")
	operation := c.PostForm("operation")
	arguments := c.PostFormArray("arguments")
	payload := c.PostForm("payload")
	dispatchable := true
	if v := c.PostForm("dispatchable"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispatchable flag"})
			return
		}
		dispatchable = parsed
	}

	var parent *core.Job
	if v := c.PostForm("parentId"); v != "" {
		parentID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parentId"})
			return
		}
		p, err := s.registry.GetJob(c.Request.Context(), parentID)
		if err != nil {
			s.fail(c, err)
			return
		}
		parent = p
	}

	job, err := s.registry.CreateJob(c.Request.Context(), jobType, operation, arguments, payload, dispatchable, parent)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) updateJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var job core.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job.ID = id
	if _, err := s.registry.UpdateJob(c.Request.Context(), &job); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := s.registry.GetJob(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getChildJobs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	children, err := s.registry.GetChildJobs(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, children)
}

func (s *Server) listJobs(c *gin.Context) {
	serviceType := c.Query("serviceType")
	status := core.JobStatus(c.Query("status"))
	jobs, err := s.registry.GetJobs(c.Request.Context(), serviceType, status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// ── Hosts ──

func (s *Server) registerHost(c *gin.Context) {
	host := c.PostForm("host")
	max, err := strconv.Atoi(c.DefaultPostForm("maxConcurrentJobs", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maxConcurrentJobs"})
		return
	}
	if err := s.registry.RegisterHost(c.Request.Context(), host, max); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unregisterHost(c *gin.Context) {
	if err := s.registry.UnregisterHost(c.Request.Context(), c.PostForm("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) enableHost(c *gin.Context) {
	if err := s.registry.EnableHost(c.Request.Context(), c.PostForm("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) disableHost(c *gin.Context) {
	if err := s.registry.DisableHost(c.Request.Context(), c.PostForm("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setMaintenance(c *gin.Context) {
	maintenance, err := strconv.ParseBool(c.DefaultPostForm("maintenance", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid maintenance flag"})
		return
	}
	if err := s.registry.SetMaintenanceStatus(c.Request.Context(), c.PostForm("host"), maintenance); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listHosts(c *gin.Context) {
	hosts, err := s.registry.GetHostRegistrations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hosts)
}

// ── Services ──

func (s *Server) registerService(c *gin.Context) {
	jobProducer := true
	if v := c.PostForm("jobProducer"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid jobProducer flag"})
			return
		}
		jobProducer = parsed
	}
	reg, err := s.registry.RegisterService(c.Request.Context(),
		c.PostForm("serviceType"), c.PostForm("host"), c.PostForm("path"), jobProducer)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (s *Server) unregisterService(c *gin.Context) {
	if err := s.registry.UnregisterService(c.Request.Context(),
		c.PostForm("serviceType"), c.PostForm("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listServices(c *gin.Context) {
	services, err := s.registry.GetServiceRegistrations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

func (s *Server) listAvailable(c *gin.Context) {
	services, err := s.registry.GetServiceRegistrationsByLoad(c.Request.Context(), c.Query("serviceType"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

func (s *Server) statistics(c *gin.Context) {
	stats, err := s.registry.GetServiceStatistics(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ── Aggregates ──

func (s *Server) count(c *gin.Context) {
	serviceType := c.Query("serviceType")
	status := core.JobStatus(c.Query("status"))
	host := c.Query("host")
	operation := c.Query("operation")

	var n int64
	var err error
	switch {
	case host != "":
		n, err = s.registry.CountByHost(c.Request.Context(), serviceType, host, status)
	case operation != "":
		n, err = s.registry.CountByOperation(c.Request.Context(), serviceType, operation, status)
	default:
		n, err = s.registry.Count(c.Request.Context(), serviceType, status)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, strconv.FormatInt(n, 10))
}

func (s *Server) maxConcurrentJobs(c *gin.Context) {
	n, err := s.registry.GetMaxConcurrentJobs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, strconv.Itoa(n))
}

func (s *Server) load(c *gin.Context) {
	load, err := s.registry.GetLoad(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, load)
}

func (s *Server) sanitize(c *gin.Context) {
	if err := s.registry.Sanitize(c.Request.Context(),
		c.PostForm("serviceType"), c.PostForm("host")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ── Incidents ──

// incidentRequest is the JSON body for storing an incident remotely.
type incidentRequest struct {
	JobID      int64             `json:"jobId" binding:"required"`
	Code       string            `json:"code" binding:"required"`
	Severity   core.Severity     `json:"severity" binding:"required"`
	Timestamp  time.Time         `json:"timestamp"`
	Parameters map[string]string `json:"descriptionParameters"`
	Details    []core.Detail     `json:"details"`
}

func (s *Server) storeIncident(c *gin.Context) {
	var req incidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.registry.GetJob(c.Request.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Unknown job is a conflict for incident storage, not a 404.
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	inc, err := s.incidents.StoreIncident(c.Request.Context(), job, ts, req.Code, req.Severity, req.Parameters, req.Details)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (s *Server) getIncident(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	inc, err := s.incidents.GetIncident(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) getIncidentsOfJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(c.DefaultQuery("cascade", "false"))
	if cascade {
		tree, err := s.incidents.GetIncidentTreeOfJob(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, tree)
		return
	}
	incidents, err := s.incidents.GetIncidentsOfJob(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, incidents)
}

func (s *Server) localization(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loc, err := s.incidents.GetLocalization(c.Request.Context(), id, c.DefaultQuery("locale", "en"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}
