// Package orchestrator drives a project from source to verified artifact:
// build, parse errors, request fixes, rebuild, and fall back to a degraded
// build once the fix budget is spent.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aparcar/asu/buildfix/internal/artifact"
	"github.com/aparcar/asu/buildfix/internal/builder"
	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/diagnostics"
	"github.com/aparcar/asu/buildfix/internal/events"
	"github.com/aparcar/asu/buildfix/internal/fixer"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/metrics"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned when a project already has an active run.
var ErrAlreadyRunning = errors.New("project already has an active run")

// BuildRunner runs the build tool.
type BuildRunner interface {
	Validate(projectPath string) error
	Run(ctx context.Context, projectPath string, mode builder.Mode) (*builder.Execution, error)
}

// Verifier checks the artifact of a successful build.
type Verifier interface {
	Verify(buildRoot string) (*artifact.Result, error)
}

// FixDispatcher obtains patches from the fix service and applies them.
type FixDispatcher interface {
	Request(ctx context.Context, projectPath string, report *diagnostics.Report) (map[string]string, error)
	Apply(projectPath string, patches map[string]string) (*fixer.Outcome, error)
}

// LogPublisher fans build output out to observers.
type LogPublisher interface {
	Open(ctx context.Context, project string) error
	Publish(ctx context.Context, project, line string) (models.LogEvent, error)
	Close(project string)
}

// Deps are the collaborators of a Controller. Recorder and Events may be nil.
type Deps struct {
	Runner   BuildRunner
	Verifier Verifier
	Fixer    FixDispatcher
	Logs     LogPublisher
	Status   models.StatusStore
	Recorder metrics.Recorder
	Events   events.Publisher
}

// Options bounds and locates a run.
type Options struct {
	ProjectsRoot     string
	ReportsPath      string
	Descriptor       string
	MaxFixAttempts   int
	ErrorReportLines int
}

// OptionsFromConfig derives controller options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ProjectsRoot:     cfg.ProjectsRoot,
		ReportsPath:      cfg.ReportsPath,
		Descriptor:       cfg.BuildDescriptor,
		MaxFixAttempts:   cfg.MaxFixAttempts,
		ErrorReportLines: cfg.ErrorReportLines,
	}
}

// Controller runs at most one orchestration per project at a time.
type Controller struct {
	deps   Deps
	opts   Options
	parser *diagnostics.Parser

	mu     sync.Mutex
	active map[string]*handle
}

type handle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller
func New(deps Deps, opts Options) *Controller {
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if opts.ErrorReportLines <= 0 {
		opts.ErrorReportLines = 50
	}
	if opts.MaxFixAttempts < 0 {
		opts.MaxFixAttempts = 0
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		parser: diagnostics.NewParser(opts.Descriptor),
		active: make(map[string]*handle),
	}
}

// ProjectPath resolves a project id below the projects root.
func (c *Controller) ProjectPath(project string) (string, error) {
	if err := models.ValidateProjectID(project); err != nil {
		return "", err
	}
	return filepath.Join(c.opts.ProjectsRoot, project), nil
}

// ReportPath is where the error report of a failed run is written.
func (c *Controller) ReportPath(project string) string {
	return filepath.Join(c.opts.ReportsPath, project, "error-report.json")
}

// Run executes one orchestration for project and blocks until it reaches a
// terminal state. Build failures are reported through the result; the error
// is non-nil only when the run could not be started or its terminal status
// could not be stored.
func (c *Controller) Run(ctx context.Context, project string) (*models.BuildResult, error) {
	r, err := c.begin(ctx, project)
	if err != nil {
		return nil, err
	}
	return r.execute()
}

// Start launches a run in the background and returns its run id.
func (c *Controller) Start(ctx context.Context, project string) (string, error) {
	r, err := c.begin(ctx, project)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := r.execute(); err != nil {
			slog.Error("Orchestration run failed", logfields.Project(project), logfields.Error(err))
		}
	}()
	return r.runID, nil
}

// Cancel stops the active run of project. It reports whether one existed.
func (c *Controller) Cancel(project string) bool {
	c.mu.Lock()
	h, ok := c.active[project]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Wait blocks until the active run of project has finished or ctx is done.
func (c *Controller) Wait(ctx context.Context, project string) error {
	c.mu.Lock()
	h, ok := c.active[project]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether project has a run in flight.
func (c *Controller) Active(project string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[project]
	return ok
}

// ActiveProjects lists projects with a run in flight.
func (c *Controller) ActiveProjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for p := range c.active {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) begin(ctx context.Context, project string) (*run, error) {
	path, err := c.ProjectPath(project)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{runID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, ok := c.active[project]; ok {
		c.mu.Unlock()
		cancel()
		return nil, ErrAlreadyRunning
	}
	c.active[project] = h
	c.mu.Unlock()

	return &run{
		c:       c,
		ctx:     runCtx,
		bg:      context.WithoutCancel(runCtx),
		project: project,
		path:    path,
		runID:   h.runID,
		state:   StateIdle,
		release: func() {
			c.mu.Lock()
			delete(c.active, project)
			c.mu.Unlock()
			cancel()
			close(h.done)
		},
		log: slog.With(logfields.Project(project), logfields.RunID(h.runID)),
	}, nil
}
