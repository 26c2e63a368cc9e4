package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "mvn", cfg.BuildCommand)
	assert.Equal(t, "pom.xml", cfg.BuildDescriptor)
	assert.Equal(t, []string{"-B", "package", "-DskipTests"}, cfg.NormalArgs)
	assert.Equal(t, 5, cfg.MaxFixAttempts)
	assert.Equal(t, "sqlite", cfg.StatusBackend)
	assert.True(t, filepath.IsAbs(cfg.ProjectsRoot))
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "buildfix.yaml")
	content := "server_port: 9090\nmax_fix_attempts: 3\nfixer_url: http://fixer:9000/fix\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("BUILDFIX_MAX_FIX_ATTEMPTS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "http://fixer:9000/fix", cfg.FixerURL)
	// environment wins over the file
	assert.Equal(t, 7, cfg.MaxFixAttempts)
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BUILDFIX_BUILD_TIMEOUT_SECONDS=42\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("BUILDFIX_BUILD_TIMEOUT_SECONDS") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.BuildTimeoutSeconds)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServerPort:          8080,
			ProjectsRoot:        "/srv/projects",
			StatusBackend:       "sqlite",
			BuildBackend:        "exec",
			BuildCommand:        "mvn",
			BuildTimeoutSeconds: 10,
			CancelGraceSeconds:  10,
			FixTimeoutSeconds:   10,
			MaxFixAttempts:      5,
			MaxPendingJobs:      10,
			WorkerConcurrent:    1,
			WorkerPollSecs:      2,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.ServerPort = 0 }},
		{"no projects root", func(c *Config) { c.ProjectsRoot = "" }},
		{"unknown status backend", func(c *Config) { c.StatusBackend = "etcd" }},
		{"unknown build backend", func(c *Config) { c.BuildBackend = "docker" }},
		{"no build command", func(c *Config) { c.BuildCommand = "" }},
		{"zero build timeout", func(c *Config) { c.BuildTimeoutSeconds = 0 }},
		{"negative fix attempts", func(c *Config) { c.MaxFixAttempts = -1 }},
		{"no workers", func(c *Config) { c.WorkerConcurrent = 0 }},
		{"zero poll interval", func(c *Config) { c.WorkerPollSecs = 0 }},
		{"zero cancel grace", func(c *Config) { c.CancelGraceSeconds = 0 }},
	}

	assert.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

// chdir changes the working directory for the duration of the test,
// like testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
