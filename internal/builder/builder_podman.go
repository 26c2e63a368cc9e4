package builder

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/container"
	"github.com/google/uuid"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// NewPodmanRunner creates a runner executing the build tool inside
// cfg.BuildImage through the Podman API socket
func NewPodmanRunner(cfg *config.Config) (*Runner, error) {
	podman, err := container.NewPodmanManager(cfg.ContainerSocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Podman manager: %w", err)
	}

	r := NewRunner(OptionsFromConfig(cfg), podman)
	r.inContainer = true
	return r, nil
}

// containerName returns a unique, podman-safe name for one attempt
func containerName(projectPath string, mode Mode) string {
	base := unsafeNameChars.ReplaceAllString(filepath.Base(projectPath), "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "project"
	}
	return fmt.Sprintf("buildfix-%s-%s-%s", base, strings.ReplaceAll(string(mode), "_", "-"), uuid.NewString()[:8])
}
