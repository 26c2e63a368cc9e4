// Package fixer packages build errors and project sources for the external
// fix service and applies the patches it returns.
package fixer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aparcar/asu/buildfix/internal/diagnostics"
	"github.com/aparcar/asu/buildfix/internal/fsutil"
	"github.com/aparcar/asu/buildfix/internal/logfields"
	"github.com/aparcar/asu/buildfix/internal/models"
)

const maxSourceFileSize = 1 << 20

// DefaultExtensions are the source and config files sent to the fix service
var DefaultExtensions = []string{".java", ".kt", ".xml", ".properties", ".yml", ".yaml"}

// Options configures a Dispatcher
type Options struct {
	Descriptor string
	SourceDir  string
	Extensions []string
	// SkipDirs are never read, e.g. the build output directory
	SkipDirs []string
}

// Outcome lists what happened to each returned path
type Outcome struct {
	Applied   []string
	Unchanged []string
	Rejected  []string
	// Failed could not be written
	Failed []string
}

// Changed reports whether any file content changed on disk
func (o *Outcome) Changed() bool {
	return len(o.Applied) > 0
}

// Dispatcher requests fixes and applies them to a project directory
type Dispatcher struct {
	fixer Fixer
	opts  Options
}

// NewDispatcher creates a dispatcher calling fixer
func NewDispatcher(fixer Fixer, opts Options) *Dispatcher {
	if opts.Descriptor == "" {
		opts.Descriptor = diagnostics.DefaultDescriptor
	}
	if opts.SourceDir == "" {
		opts.SourceDir = "src"
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	return &Dispatcher{fixer: fixer, opts: opts}
}

// RequestFix sends the report and current project files to the fix service
// and writes every acceptable returned file. Paths that are absolute or
// escape the project are dropped and logged. A failed call or a patch set
// that changes nothing is a recoverable error carrying the partial Outcome.
func (d *Dispatcher) RequestFix(ctx context.Context, projectPath string, report *diagnostics.Report) (*Outcome, error) {
	patches, err := d.Request(ctx, projectPath, report)
	if err != nil {
		return nil, err
	}

	outcome, err := d.Apply(projectPath, patches)
	if err != nil {
		return outcome, err
	}
	if !outcome.Changed() {
		return outcome, models.Errorf(models.ReasonFixServiceRejected, "fix", "patch set changes nothing")
	}
	return outcome, nil
}

// Request calls the fix service without touching the project. An empty
// patch set is ReasonFixServiceRejected.
func (d *Dispatcher) Request(ctx context.Context, projectPath string, report *diagnostics.Report) (map[string]string, error) {
	files, err := d.CollectFiles(projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to collect project files: %w", err)
	}

	req := &Request{
		GeneralErrors: report.GeneralErrors,
		FileErrors:    report.FileErrors,
		Files:         files,
	}
	if req.GeneralErrors == nil {
		req.GeneralErrors = []string{}
	}
	if req.FileErrors == nil {
		req.FileErrors = map[string][]string{}
	}

	patches, err := d.fixer.Fix(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(patches) == 0 {
		return nil, models.Errorf(models.ReasonFixServiceRejected, "fix", "no patches returned")
	}
	return patches, nil
}

// Apply writes patches below projectPath, each file atomically. Paths are
// processed in sorted order. A path that cannot be written is recorded in
// Failed and the remaining paths are still applied.
func (d *Dispatcher) Apply(projectPath string, patches map[string]string) (*Outcome, error) {
	paths := make([]string, 0, len(patches))
	for p := range patches {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	outcome := &Outcome{}
	for _, p := range paths {
		rel, ok := SafeRelPath(p)
		if !ok {
			slog.Warn("Rejected suspicious patch path", logfields.Path(projectPath), logfields.File(p))
			outcome.Rejected = append(outcome.Rejected, p)
			continue
		}

		target := filepath.Join(projectPath, rel)
		content := []byte(patches[p])

		if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, content) {
			outcome.Unchanged = append(outcome.Unchanged, p)
			continue
		}

		if err := fsutil.WriteFileAtomic(target, content, 0644); err != nil {
			slog.Warn("Failed to apply patch", logfields.Path(projectPath), logfields.File(p), logfields.Error(err))
			outcome.Failed = append(outcome.Failed, p)
			continue
		}
		outcome.Applied = append(outcome.Applied, p)
	}

	return outcome, nil
}

// SafeRelPath converts a patch path to a local relative path. It rejects
// empty, absolute and traversing paths in either slash style.
func SafeRelPath(p string) (string, bool) {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", false
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", false
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", false
		}
	}

	rel := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
	if !filepath.IsLocal(rel) || rel == "." {
		return "", false
	}
	return rel, true
}

// CollectFiles returns the build descriptor and recognised source files,
// keyed by slash-separated path relative to projectPath
func (d *Dispatcher) CollectFiles(projectPath string) (map[string]string, error) {
	files := make(map[string]string)

	descriptor := filepath.Join(projectPath, d.opts.Descriptor)
	if data, err := os.ReadFile(descriptor); err == nil {
		files[filepath.ToSlash(d.opts.Descriptor)] = string(data)
	}

	root := filepath.Join(projectPath, d.opts.SourceDir)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}

		if entry.IsDir() {
			if d.skipDir(entry.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.wanted(entry.Name()) {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.Size() > maxSourceFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectPath, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (d *Dispatcher) wanted(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range d.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (d *Dispatcher) skipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	for _, s := range d.opts.SkipDirs {
		if name == s {
			return true
		}
	}
	return false
}
