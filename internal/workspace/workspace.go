// Package workspace manages the per-session directories user code runs in.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
)

const (
	dirPerm  = 0o700
	filePerm = 0o644
)

// Manager creates and destroys session workspaces under a single root.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at root, creating the directory when
// missing.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.WorkspaceError, "resolve workspace root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.Wrapf(err, apperr.WorkspaceError, "create workspace root")
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh directory for sessionID and writes the profile's
// main file containing the wrapped source.
func (m *Manager) Create(sessionID string, p langs.Profile, source string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", apperr.Newf(apperr.WorkspaceError, "invalid session id %q", sessionID)
	}

	dir := filepath.Join(m.root, sessionID)
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return "", apperr.Wrapf(err, apperr.WorkspaceError, "create workspace")
	}

	if err := writeMain(dir, p, p.Wrap(source)); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// WriteTemplate overwrites the main file with the profile's template.
func (m *Manager) WriteTemplate(dir string, p langs.Profile) error {
	if err := m.checkOwned(dir); err != nil {
		return err
	}
	return writeMain(dir, p, p.Wrap(p.Template))
}

// Destroy removes dir recursively. Removing a directory that is already gone
// is not an error.
func (m *Manager) Destroy(dir string) error {
	if err := m.checkOwned(dir); err != nil {
		return err
	}

	err := os.RemoveAll(dir)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	// User code may have dropped write permission on its own files.
	makeWritable(dir)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrapf(err, apperr.WorkspaceError, "remove workspace")
	}
	return nil
}

// PurgeOrphans removes every directory left under the root, e.g. by a
// previous process that crashed. It returns the number of directories removed.
func (m *Manager) PurgeOrphans() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, apperr.Wrapf(err, apperr.WorkspaceError, "scan workspace root")
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := m.Destroy(filepath.Join(m.root, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) checkOwned(dir string) error {
	rel, err := filepath.Rel(m.root, filepath.Clean(dir))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return apperr.Newf(apperr.WorkspaceError, "%s is not a workspace under %s", dir, m.root)
	}
	return nil
}

func writeMain(dir string, p langs.Profile, content string) error {
	if err := os.WriteFile(filepath.Join(dir, p.Main), []byte(content), filePerm); err != nil {
		return apperr.Wrapf(err, apperr.WorkspaceError, "write %s", p.Main)
	}
	return nil
}

func makeWritable(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			os.Chmod(path, 0o700)
		}
		return nil
	})
}
