package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

const maxLineSize = 1024 * 1024

// Streamer starts a command and exposes its combined output as lines
type Streamer interface {
	Stream(ctx context.Context, opts RunOptions) (*Process, error)
}

// RunOptions holds options for running a build command
type RunOptions struct {
	Command     []string
	Dir         string
	Environment map[string]string
	// Image and Name are only used by container backends
	Image string
	Name  string
	// GracePeriod is how long a terminated command may take to exit
	// before it is killed.
	GracePeriod time.Duration
}

// Process is a running command. Lines must be drained until closed.
type Process struct {
	lines <-chan string
	wait  func() (int, error)
}

// NewProcess wraps a line source and a wait function.
func NewProcess(lines <-chan string, wait func() (int, error)) *Process {
	return &Process{lines: lines, wait: wait}
}

// Lines returns combined stdout/stderr. The channel is closed after the
// last line.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Wait blocks until the command has exited and returns its exit code. A
// non-nil error means the command did not finish on its own: either it
// could not be waited for or ctx ended it.
func (p *Process) Wait() (int, error) {
	return p.wait()
}

// Manager runs commands directly on the host
type Manager struct{}

// NewManager creates a new host process manager
func NewManager() *Manager {
	return &Manager{}
}

// Stream starts opts.Command in opts.Dir. When ctx is done the whole process
// group receives SIGTERM and, after GracePeriod, SIGKILL.
func (m *Manager) Stream(ctx context.Context, opts RunOptions) (*Process, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), envList(opts.Environment)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = opts.GracePeriod

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	lines := make(chan string, 64)
	go scanLines(pr, lines)

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		// Leftover group members get killed once the leader is gone
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		pw.Close()
		close(done)
	}()

	wait := func() (int, error) {
		<-done
		code := cmd.ProcessState.ExitCode()
		if ctx.Err() != nil {
			return code, ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
			return code, nil
		case errors.As(waitErr, &exitErr):
			return exitErr.ExitCode(), nil
		default:
			return code, fmt.Errorf("failed to wait for %s: %w", opts.Command[0], waitErr)
		}
	}

	return NewProcess(lines, wait), nil
}

func scanLines(r io.ReadCloser, out chan<- string) {
	defer close(out)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	if scanner.Err() != nil {
		out <- fmt.Sprintf("[buildfix] output truncated: %v", scanner.Err())
		// Keep the writer from blocking
		_, _ = io.Copy(io.Discard, r)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
