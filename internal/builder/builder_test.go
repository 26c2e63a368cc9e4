package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/container"
	"github.com/aparcar/asu/buildfix/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool writes a shell script standing in for the build tool. It prints
// its mode argument and then runs body.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-mvn")
	script := "#!/bin/sh\necho \"mode=$1\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pom.xml"), []byte("<project/>"), 0o644))
	return dir
}

func testRunner(tool string, timeout time.Duration) *Runner {
	return NewRunner(Options{
		Command:     tool,
		Descriptor:  "pom.xml",
		ArtifactDir: "target",
		Args: map[Mode][]string{
			ModeNormal:      {"normal"},
			ModeNoShade:     {"noshade"},
			ModeCompileOnly: {"compile"},
		},
		Timeout:     timeout,
		GracePeriod: time.Second,
		OutputLimit: 1024,
	}, container.NewManager())
}

func drain(t *testing.T, e *Execution) []string {
	t.Helper()
	var lines []string
	for line := range e.Lines() {
		lines = append(lines, line)
	}
	return lines
}

func TestValidate(t *testing.T) {
	r := testRunner("true", time.Minute)

	assert.NoError(t, r.Validate(newProject(t)))

	err := r.Validate(t.TempDir())
	assert.ErrorIs(t, err, models.ErrInvalidProject)

	err = r.Validate(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, models.ErrInvalidProject)
}

func TestRunStreamsOutputAndExitCode(t *testing.T) {
	tool := fakeTool(t, "echo building; echo '[ERROR] Foo.java:[1,2] broken' 1>&2; exit 1")
	project := newProject(t)
	r := testRunner(tool, time.Minute)

	e, err := r.Run(context.Background(), project, ModeNormal)
	require.NoError(t, err)

	lines := drain(t, e)
	attempt, err := e.Wait()
	require.NoError(t, err)

	assert.Equal(t, "mode=normal", lines[0])
	assert.Contains(t, lines, "[ERROR] Foo.java:[1,2] broken")
	assert.Equal(t, 1, attempt.ExitCode)
	assert.False(t, attempt.Succeeded())
	assert.Equal(t, ModeNormal, attempt.Mode)
	assert.Equal(t, 3, attempt.Output.Total())
	assert.False(t, attempt.EndedAt.Before(attempt.StartedAt))
}

func TestRunRemovesPriorOutput(t *testing.T) {
	project := newProject(t)
	stale := filepath.Join(project, "target", "old.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	tool := fakeTool(t, "test -e target/old.jar && echo stale || echo clean")
	e, err := testRunner(tool, time.Minute).Run(context.Background(), project, ModeCompileOnly)
	require.NoError(t, err)

	lines := drain(t, e)
	_, err = e.Wait()
	require.NoError(t, err)
	assert.Equal(t, []string{"mode=compile", "clean"}, lines)
}

func TestRunInvalidProject(t *testing.T) {
	_, err := testRunner("true", time.Minute).Run(context.Background(), t.TempDir(), ModeNormal)
	assert.ErrorIs(t, err, models.ErrInvalidProject)
}

func TestRunTimeout(t *testing.T) {
	tool := fakeTool(t, "sleep 30")
	e, err := testRunner(tool, 300*time.Millisecond).Run(context.Background(), newProject(t), ModeNormal)
	require.NoError(t, err)

	drain(t, e)
	_, err = e.Wait()
	assert.ErrorIs(t, err, models.ErrTimeout)
}

func TestRunCancelled(t *testing.T) {
	tool := fakeTool(t, "sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	e, err := testRunner(tool, time.Minute).Run(ctx, newProject(t), ModeNormal)
	require.NoError(t, err)

	<-e.Lines()
	start := time.Now()
	cancel()
	drain(t, e)
	_, err = e.Wait()
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOutputBufferKeepsTail(t *testing.T) {
	b := NewOutputBuffer(10)
	for _, l := range []string{"aaaa", "bbbb", "cccc"} {
		b.Add(l)
	}
	assert.Equal(t, []string{"bbbb", "cccc"}, b.Lines())
	assert.Equal(t, 3, b.Total())
	assert.True(t, b.Truncated())
	assert.Equal(t, []string{"cccc"}, b.Tail(1))

	unbounded := NewOutputBuffer(0)
	unbounded.Add("x")
	unbounded.Add("y")
	assert.Equal(t, "x\ny", unbounded.String())
	assert.False(t, unbounded.Truncated())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		BuildCommand:        "mvn",
		BuildDescriptor:     "pom.xml",
		NormalArgs:          []string{"package"},
		NoShadeArgs:         []string{"package", "-Dshade.skip=true"},
		CompileOnlyArgs:     []string{"compile"},
		BuildTimeoutSeconds: 5,
		CancelGraceSeconds:  2,
		OutputBufferKB:      4,
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, []string{"compile"}, opts.Args[ModeCompileOnly])
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 4096, opts.OutputLimit)
}

func TestContainerName(t *testing.T) {
	name := containerName("/srv/projects/My App!", ModeNoShade)
	assert.Regexp(t, `^buildfix-My-App-no-shade-[0-9a-f]{8}$`, name)
}
