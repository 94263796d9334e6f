// Package workspace manages per-run staging directories on local disk.
//
// Each sync run gets its own directory holding the fetched and the patched
// ConfigMap documents, which stay on disk for inspection until Cleanup
// removes them.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Well-known file names inside a run workspace.
const (
	OriginalFile = "original.json"
	UpdatedFile  = "updated.json"
)

// Workspace is one run's staging directory.
type Workspace struct {
	RunID string
	Dir   string
}

// Path returns the absolute path of name inside the workspace.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// WriteFile writes data to name inside the workspace, replacing it
// atomically so a reader never sees a partial document.
func (w Workspace) WriteFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(w.Dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, w.Path(name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs run workspace lifecycle.
type Manager struct {
	baseDir string
	now     func() time.Time
}

// NewManager creates a filesystem-backed manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}
	return &Manager{
		baseDir: abs,
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory holding all run workspaces.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create initializes a workspace directory for runID.
func (m *Manager) Create(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(runID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o700); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for run %q: %w", runID, err)
	}

	return Workspace{RunID: runID, Dir: path}, nil
}

// Open returns an existing workspace.
func (m *Manager) Open(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(runID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for run %q: %w", runID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for run %q is not a directory", runID)
	}

	return Workspace{RunID: runID, Dir: path}, nil
}

// Cleanup removes workspace directories whose modification time is older
// than olderThan.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *Manager) workspacePath(runID string) (string, error) {
	trimmed := strings.TrimSpace(runID)
	switch {
	case trimmed == "":
		return "", fmt.Errorf("run ID is empty")
	case trimmed == "." || trimmed == ".." || filepath.Clean(trimmed) != trimmed:
		return "", fmt.Errorf("run ID %q is invalid", runID)
	case strings.ContainsAny(trimmed, `/\`):
		return "", fmt.Errorf("run ID %q must not contain path separators", runID)
	}
	return filepath.Join(m.baseDir, trimmed), nil
}
