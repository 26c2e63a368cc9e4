package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/containers/podman/v4/pkg/bindings"
	"github.com/containers/podman/v4/pkg/bindings/containers"
	"github.com/containers/podman/v4/pkg/bindings/images"
	"github.com/containers/podman/v4/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sourcegraph/conc"
)

// WorkspaceDir is where the project is mounted inside the build container
const WorkspaceDir = "/workspace"

// PodmanManager runs build commands in containers using Podman bindings
type PodmanManager struct {
	ctx context.Context
}

// NewPodmanManager creates a new Podman manager
func NewPodmanManager(socketPath string) (*PodmanManager, error) {
	// Connect to Podman socket
	connText := fmt.Sprintf("unix://%s", socketPath)
	ctx, err := bindings.NewConnection(context.Background(), connText)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Podman: %w", err)
	}

	return &PodmanManager{ctx: ctx}, nil
}

// Stream runs opts.Command in a fresh container of opts.Image with opts.Dir
// bind mounted at WorkspaceDir. Cancelling ctx stops the container, giving it
// GracePeriod before it is killed.
func (m *PodmanManager) Stream(ctx context.Context, opts RunOptions) (*Process, error) {
	if opts.Image == "" {
		return nil, errors.New("podman backend requires an image")
	}

	exists, err := m.ImageExists(opts.Image)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := m.PullImage(opts.Image); err != nil {
			return nil, err
		}
	}

	spec := specgen.NewSpecGenerator(opts.Image, false)
	spec.Name = opts.Name
	spec.Command = opts.Command
	spec.WorkDir = WorkspaceDir
	if len(opts.Environment) > 0 {
		spec.Env = opts.Environment
	}
	spec.Mounts = []specs.Mount{{
		Type:        "bind",
		Source:      opts.Dir,
		Destination: WorkspaceDir,
	}}

	createResponse, err := containers.CreateWithSpec(m.ctx, spec, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := createResponse.ID

	if err := containers.Start(m.ctx, containerID, nil); err != nil {
		m.RemoveContainer(containerID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	lines := make(chan string, 64)
	stdoutCh := make(chan string)
	stderrCh := make(chan string)
	logsDone := make(chan error, 1)

	go func() {
		logOptions := new(containers.LogOptions).WithFollow(true).WithStdout(true).WithStderr(true)
		logsDone <- containers.Logs(m.ctx, containerID, logOptions, stdoutCh, stderrCh)
	}()

	var wg conc.WaitGroup
	wg.Go(func() {
		defer close(lines)
		for {
			select {
			case line := <-stdoutCh:
				lines <- line
			case line := <-stderrCh:
				lines <- line
			case err := <-logsDone:
				if err != nil {
					slog.Warn("Container log stream ended with error", logfields.Error(err))
				}
				return
			}
		}
	})

	finished := make(chan struct{})
	wg.Go(func() {
		select {
		case <-ctx.Done():
			timeout := uint(opts.GracePeriod / time.Second)
			stopOptions := new(containers.StopOptions).WithTimeout(timeout)
			if err := containers.Stop(m.ctx, containerID, stopOptions); err != nil {
				slog.Warn("Failed to stop container", logfields.Error(err))
			}
		case <-finished:
		}
	})

	wait := func() (int, error) {
		code, waitErr := containers.Wait(m.ctx, containerID, nil)
		close(finished)
		wg.Wait()
		m.RemoveContainer(containerID)

		if ctx.Err() != nil {
			return int(code), ctx.Err()
		}
		if waitErr != nil {
			return -1, fmt.Errorf("container execution failed: %w", waitErr)
		}
		return int(code), nil
	}

	return NewProcess(lines, wait), nil
}

// PullImage pulls a container image
func (m *PodmanManager) PullImage(image string) error {
	_, err := images.Pull(m.ctx, image, nil)
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally
func (m *PodmanManager) ImageExists(image string) (bool, error) {
	exists, err := images.Exists(m.ctx, image, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check image existence: %w", err)
	}
	return exists, nil
}

// RemoveContainer force-removes a container, logging failures
func (m *PodmanManager) RemoveContainer(containerID string) {
	if _, err := containers.Remove(m.ctx, containerID, new(containers.RemoveOptions).WithForce(true)); err != nil {
		slog.Warn("Failed to remove container", logfields.Error(err))
	}
}
