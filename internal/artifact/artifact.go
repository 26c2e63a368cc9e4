// Package artifact locates and checks the archive produced by a build.
package artifact

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aparcar/asu/buildfix/internal/config"
	"github.com/aparcar/asu/buildfix/internal/fsutil"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/models"
)

// ChecksumSuffix is appended to the artifact path for the checksum sidecar
const ChecksumSuffix = ".sha256"

var excludedSuffixes = []string{"-sources.jar", "-javadoc.jar", "-tests.jar", "-test-sources.jar"}

// Options configures a Verifier
type Options struct {
	ArtifactDir   string
	ManifestEntry string
	Skip          bool
}

// Result describes a verified artifact
type Result struct {
	ArtifactPath string
	Checksum     string
	ChecksumPath string
	Entries      int
	HasManifest  bool
	Skipped      bool
}

// Verifier checks build output
type Verifier struct {
	opts Options
}

// New creates a verifier
func New(opts Options) *Verifier {
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = "target"
	}
	return &Verifier{opts: opts}
}

// FromConfig creates a verifier from the service configuration
func FromConfig(cfg *config.Config) *Verifier {
	return New(Options{
		ArtifactDir:   cfg.ArtifactDir,
		ManifestEntry: cfg.ManifestEntry,
		Skip:          cfg.SkipVerification,
	})
}

// Verify finds the primary archive under buildRoot's output directory, checks
// it opens and is non-empty, and writes a sha256 sidecar next to it. With
// Skip set it succeeds immediately without a checksum.
func (v *Verifier) Verify(buildRoot string) (*Result, error) {
	if v.opts.Skip {
		return &Result{Skipped: true}, nil
	}

	artifactPath, err := v.locate(buildRoot)
	if err != nil {
		return nil, err
	}

	entries, hasManifest, err := v.inspect(artifactPath)
	if err != nil {
		return nil, err
	}
	if !hasManifest && v.opts.ManifestEntry != "" {
		slog.Warn("Artifact has no manifest entry",
			logfields.Path(artifactPath),
			logfields.File(v.opts.ManifestEntry))
	}

	checksum, err := fileChecksum(artifactPath)
	if err != nil {
		return nil, models.NewError(models.ReasonArtifactCorrupt, "verify", err)
	}

	checksumPath := artifactPath + ChecksumSuffix
	line := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(artifactPath))
	if err := fsutil.WriteFileAtomic(checksumPath, []byte(line), 0644); err != nil {
		return nil, fmt.Errorf("failed to write checksum: %w", err)
	}

	return &Result{
		ArtifactPath: artifactPath,
		Checksum:     checksum,
		ChecksumPath: checksumPath,
		Entries:      entries,
		HasManifest:  hasManifest,
	}, nil
}

// locate returns the largest candidate archive
func (v *Verifier) locate(buildRoot string) (string, error) {
	outputDir := filepath.Join(buildRoot, v.opts.ArtifactDir)
	matches, err := filepath.Glob(filepath.Join(outputDir, "*.jar"))
	if err != nil {
		return "", fmt.Errorf("failed to list artifacts: %w", err)
	}

	type candidate struct {
		path string
		size int64
	}
	var candidates []candidate
	for _, m := range matches {
		if !isPrimary(filepath.Base(m)) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		candidates = append(candidates, candidate{path: m, size: info.Size()})
	}

	if len(candidates) == 0 {
		return "", models.Errorf(models.ReasonArtifactMissing, "verify", "no artifact in %s", outputDir)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].size != candidates[j].size {
			return candidates[i].size > candidates[j].size
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates[0].path, nil
}

func isPrimary(name string) bool {
	if strings.HasPrefix(name, "original-") {
		return false
	}
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

func (v *Verifier) inspect(path string) (int, bool, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, false, models.NewError(models.ReasonArtifactCorrupt, "verify", err)
	}
	defer r.Close()

	if len(r.File) == 0 {
		return 0, false, models.Errorf(models.ReasonArtifactCorrupt, "verify", "%s is empty", filepath.Base(path))
	}

	hasManifest := false
	for _, f := range r.File {
		if f.Name == v.opts.ManifestEntry {
			hasManifest = true
			break
		}
	}
	return len(r.File), hasManifest, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
