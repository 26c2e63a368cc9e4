package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aparcar/asu/buildfix/internal/api"
	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/janitor"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/queue"
	"github.com/alecthomas/kong"
)

const shutdownTimeout = 10 * time.Second

var CLI struct {
	Config  string `short:"c" help:"Configuration file path (YAML)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Serve struct{} `cmd:"" default:"1" help:"Run the build service (API, worker and janitor)"`

	Build struct {
		Project string `arg:"" help:"Project id below the projects root"`
	} `cmd:"" help:"Run one orchestration locally and print its log"`

	Status struct {
		Project string `arg:"" help:"Project id below the projects root"`
	} `cmd:"" help:"Print the build status of a project as JSON"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("buildfix"),
		kong.Description("Builds generated Maven projects, repairing compile errors through a fix service."),
	)

	// Load configuration
	cfg, err := config.LoadConfig(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if CLI.Verbose {
		cfg.LogLevel = "debug"
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "serve":
		err = runServe(ctx, cfg)
	case "build <project>":
		var ok bool
		ok, err = runBuild(ctx, cfg, CLI.Build.Project)
		if err == nil && !ok {
			stop()
			os.Exit(1)
		}
	case "status <project>":
		err = runStatus(ctx, cfg, CLI.Status.Project)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}

	if err != nil {
		slog.Error("Command failed", slog.String("command", kctx.Command()), logfields.Error(err))
		stop()
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler from log_level and log_format
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting buildfix",
		slog.String("database", cfg.DatabasePath),
		logfields.Path(cfg.ProjectsRoot),
		slog.String("status_backend", cfg.StatusBackend),
		slog.String("build_backend", cfg.BuildBackend),
		slog.String("addr", cfg.ServerAddr()))

	svc, err := newService(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	// Start worker
	worker := queue.NewWorker(svc.db, svc.controller, svc.status, cfg)
	workerDone := make(chan struct{})
	go func() {
		worker.Start(workerCtx)
		close(workerDone)
	}()

	// Start retention janitor
	jan, err := janitor.New(svc.db, janitor.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	if err := jan.Start(workerCtx); err != nil {
		return err
	}

	// Start HTTP API server
	apiServer := api.NewServer(api.Deps{
		DB:         svc.db,
		Controller: svc.controller,
		Status:     svc.status,
		Logs:       svc.broadcaster,
		Metrics:    svc.metricsHandler,
	}, cfg)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", cfg.ServerAddr()))
		serverErr <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully")
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	// Running builds get the tool's grace period plus time to record their
	// cancellation before the store is closed.
	shutdown(apiServer, cancelWorker, workerDone, cfg.CancelGrace()+shutdownTimeout)
	if jerr := jan.Stop(); jerr != nil {
		slog.Warn("Janitor shutdown", logfields.Error(jerr))
	}

	return err
}

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown cancels the worker first so running builds end and their log
// streams close, then stops the HTTP server. It reports whether the worker
// stopped within workerWait.
func shutdown(server httpShutdowner, cancelWorker context.CancelFunc, workerDone <-chan struct{}, workerWait time.Duration) bool {
	cancelWorker()

	stopped := true
	timer := time.NewTimer(workerWait)
	defer timer.Stop()
	select {
	case <-workerDone:
	case <-timer.C:
		slog.Warn("Worker did not stop in time")
		stopped = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server shutdown", logfields.Error(err))
	}
	return stopped
}

func runBuild(ctx context.Context, cfg *config.Config, project string) (bool, error) {
	svc, err := newService(ctx, cfg, os.Stdout)
	if err != nil {
		return false, err
	}
	defer svc.Close()

	result, err := svc.controller.Run(ctx, project)
	if err != nil {
		return false, err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return false, err
	}
	fmt.Println(string(out))
	return result.Success, nil
}

func runStatus(ctx context.Context, cfg *config.Config, project string) error {
	svc, err := newService(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.status.Get(ctx, project)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
