package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/container"
	"github.com/aparcar/asu/buildfix/internal/models"
)

// Mode selects how the build tool is invoked
type Mode string

const (
	// ModeNormal runs the full build including packaging
	ModeNormal Mode = "normal"
	// ModeNoShade packages without bundling dependencies (degraded artifact)
	ModeNoShade Mode = "no_shade"
	// ModeCompileOnly only compiles, no packaging
	ModeCompileOnly Mode = "compile_only"
)

// Options configures a Runner
type Options struct {
	Command     string
	Descriptor  string
	ArtifactDir string
	Image       string
	Args        map[Mode][]string
	Timeout     time.Duration
	GracePeriod time.Duration
	// OutputLimit bounds the retained output in bytes. CompileOnly attempts
	// keep their full output.
	OutputLimit int
}

// OptionsFromConfig derives runner options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:     cfg.BuildCommand,
		Descriptor:  cfg.BuildDescriptor,
		ArtifactDir: cfg.ArtifactDir,
		Image:       cfg.BuildImage,
		Args: map[Mode][]string{
			ModeNormal:      cfg.NormalArgs,
			ModeNoShade:     cfg.NoShadeArgs,
			ModeCompileOnly: cfg.CompileOnlyArgs,
		},
		Timeout:     cfg.BuildTimeout(),
		GracePeriod: cfg.CancelGrace(),
		OutputLimit: cfg.OutputBufferKB * 1024,
	}
}

// Runner invokes the build tool for a project
type Runner struct {
	opts     Options
	streamer container.Streamer
	// inContainer names processes and passes the image to the streamer
	inContainer bool
}

// NewRunner creates a runner on top of any process backend
func NewRunner(opts Options, streamer container.Streamer) *Runner {
	return &Runner{opts: opts, streamer: streamer}
}

// New creates a runner for the configured build backend
func New(cfg *config.Config) (*Runner, error) {
	switch cfg.BuildBackend {
	case "podman":
		return NewPodmanRunner(cfg)
	case "exec", "":
		return NewRunner(OptionsFromConfig(cfg), container.NewManager()), nil
	default:
		return nil, fmt.Errorf("unknown build backend: %s", cfg.BuildBackend)
	}
}

// Descriptor returns the build descriptor file name
func (r *Runner) Descriptor() string {
	return r.opts.Descriptor
}

// ArtifactDir returns the build output directory relative to the project
func (r *Runner) ArtifactDir() string {
	return r.opts.ArtifactDir
}

// Validate checks that projectPath is a directory containing the build
// descriptor.
func (r *Runner) Validate(projectPath string) error {
	info, err := os.Stat(projectPath)
	if err != nil {
		return models.NewError(models.ReasonInvalidProject, "validate", err)
	}
	if !info.IsDir() {
		return models.Errorf(models.ReasonInvalidProject, "validate", "%s is not a directory", projectPath)
	}

	descriptor := filepath.Join(projectPath, r.opts.Descriptor)
	if _, err := os.Stat(descriptor); err != nil {
		return models.Errorf(models.ReasonInvalidProject, "validate", "missing build descriptor %s", r.opts.Descriptor)
	}

	return nil
}

// Run starts the build tool in the given mode. Prior build output is removed
// first. The returned Execution streams output while the tool runs.
func (r *Runner) Run(ctx context.Context, projectPath string, mode Mode) (*Execution, error) {
	if err := r.Validate(projectPath); err != nil {
		return nil, err
	}

	args, ok := r.opts.Args[mode]
	if !ok {
		return nil, fmt.Errorf("unknown build mode: %s", mode)
	}

	if r.opts.ArtifactDir != "" {
		if err := os.RemoveAll(filepath.Join(projectPath, r.opts.ArtifactDir)); err != nil {
			return nil, fmt.Errorf("failed to clean build output: %w", err)
		}
	}

	runOpts := container.RunOptions{
		Command:     append([]string{r.opts.Command}, args...),
		Dir:         projectPath,
		GracePeriod: r.opts.GracePeriod,
	}
	if r.inContainer {
		runOpts.Image = r.opts.Image
		runOpts.Name = containerName(projectPath, mode)
	}

	runCtx := ctx
	cancelRun := context.CancelFunc(func() {})
	if r.opts.Timeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, r.opts.Timeout)
	}

	limit := r.opts.OutputLimit
	if mode == ModeCompileOnly {
		limit = 0
	}

	attempt := &Attempt{
		Mode:      mode,
		StartedAt: time.Now(),
		Output:    NewOutputBuffer(limit),
	}

	proc, err := r.streamer.Stream(runCtx, runOpts)
	if err != nil {
		cancelRun()
		return nil, fmt.Errorf("failed to start build: %w", err)
	}

	e := &Execution{
		attempt:   attempt,
		lines:     make(chan string, 64),
		forwarded: make(chan struct{}),
	}
	go e.forward(proc.Lines())

	e.wait = func() error {
		code, err := proc.Wait()
		<-e.forwarded
		attempt.EndedAt = time.Now()
		attempt.ExitCode = code

		defer cancelRun()
		if err == nil {
			return nil
		}
		switch {
		case ctx.Err() != nil:
			return models.NewError(models.ReasonCancelled, "build", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return models.Errorf(models.ReasonTimeout, "build", "%s build exceeded %s", mode, r.opts.Timeout)
		default:
			return err
		}
	}

	return e, nil
}

// Execution is a running build attempt
type Execution struct {
	attempt   *Attempt
	lines     chan string
	forwarded chan struct{}
	wait      func() error

	once sync.Once
	err  error
}

func (e *Execution) forward(in <-chan string) {
	defer close(e.forwarded)
	defer close(e.lines)
	for line := range in {
		e.attempt.Output.Add(line)
		e.lines <- line
	}
}

// Lines streams output as it is produced. It must be drained.
func (e *Execution) Lines() <-chan string {
	return e.lines
}

// Wait blocks until the tool exits and returns the finished attempt. A
// non-zero exit is not an error; the error is a *models.BuildError with
// ReasonTimeout or ReasonCancelled when the tool was terminated.
func (e *Execution) Wait() (*Attempt, error) {
	e.once.Do(func() {
		e.err = e.wait()
	})
	return e.attempt, e.err
}
