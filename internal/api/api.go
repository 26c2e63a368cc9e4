package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aparcar/asu/buildfix/internal/broadcast"
	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/db"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/aparcar/asu/buildfix/internal/orchestrator"
	"github.com/aparcar/asu/buildfix/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Controller is the part of the orchestrator the API drives
type Controller interface {
	Active(project string) bool
	ActiveProjects() []string
	Cancel(project string) bool
	LoadErrorReport(project string) (*orchestrator.ErrorReport, error)
}

// LogSource hands out log subscriptions
type LogSource interface {
	SubscribeFrom(ctx context.Context, project string, afterSeq int64) (*broadcast.Subscription, error)
}

// Deps are the components behind the API
type Deps struct {
	DB         *db.DB
	Controller Controller
	Status     models.StatusStore
	Logs       LogSource
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// Server holds the API server components
type Server struct {
	db       *db.DB
	ctrl     Controller
	status   models.StatusStore
	logs     LogSource
	metrics  http.Handler
	config   *config.Config
	router   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.Config) *Server {
	s := &Server{
		db:      deps.DB,
		ctrl:    deps.Controller,
		status:  deps.Status,
		logs:    deps.Logs,
		metrics: deps.Metrics,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	// Setup router
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.Default()
	s.setupRoutes()

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		projects := v1.Group("/projects/:project", s.requireProjectID)
		projects.POST("/build", s.handleBuildRequest)
		projects.DELETE("/build", s.handleCancel)
		projects.GET("/status", s.handleBuildStatus)
		projects.GET("/logs", s.handleLogs)
		projects.GET("/report", s.handleReport)

		v1.GET("/stats", s.handleStats)
	}

	// Health check
	s.router.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Handler exposes the router, e.g. for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.config.ServerAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open ones up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// requireProjectID rejects ids that are not a single safe path segment
func (s *Server) requireProjectID(c *gin.Context) {
	if err := models.ValidateProjectID(c.Param("project")); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

// handleBuildRequest handles POST /api/v1/projects/:project/build
func (s *Server) handleBuildRequest(c *gin.Context) {
	project := c.Param("project")

	info, err := os.Stat(filepath.Join(s.config.ProjectsRoot, project))
	if err != nil || !info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	if s.ctrl.Active(project) {
		c.JSON(http.StatusConflict, gin.H{"error": "Project is already building"})
		return
	}

	position, err := queue.EnqueueJob(s.db, project, s.config.MaxPendingJobs)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": "Project is already queued or building"})
		return
	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Queue is full, please try again later"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to enqueue job: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, models.EnqueueResponse{
		Project:       project,
		Status:        models.JobStatusPending,
		QueuePosition: position,
	})
}

// handleCancel handles DELETE /api/v1/projects/:project/build
func (s *Server) handleCancel(c *gin.Context) {
	project := c.Param("project")

	if s.ctrl.Cancel(project) {
		c.JSON(http.StatusOK, gin.H{"project": project, "status": "cancelling"})
		return
	}

	cancelled, err := queue.CancelPending(c.Request.Context(), s.db, s.status, project)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to cancel job: %v", err)})
		return
	}
	if !cancelled {
		c.JSON(http.StatusNotFound, gin.H{"error": "Nothing to cancel"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"project": project, "status": models.JobStatusCancelled})
}

// statusResponse is the build status plus the queue position of a pending job
type statusResponse struct {
	*models.BuildStatus
	QueuePosition int `json:"queue_position,omitempty"`
}

// handleBuildStatus handles GET /api/v1/projects/:project/status
func (s *Server) handleBuildStatus(c *gin.Context) {
	project := c.Param("project")

	st, err := s.status.Get(c.Request.Context(), project)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get build status"})
		return
	}

	position, err := s.db.GetQueuePosition(project)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue position"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{BuildStatus: st, QueuePosition: position})
}

// handleReport handles GET /api/v1/projects/:project/report
func (s *Server) handleReport(c *gin.Context) {
	report, err := s.ctrl.LoadErrorReport(c.Param("project"))
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No error report"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read error report"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}
