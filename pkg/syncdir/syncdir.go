// Package syncdir encapsulates all path knowledge for the .panelsync/
// directory: the config and catalog files at its root and the local runtime
// state under local/.
package syncdir

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultName is the directory name looked up in the working directory.
const DefaultName = ".panelsync"

// Dir is a value object that resolves paths within a .panelsync/ directory.
type Dir struct {
	root string
}

// New creates a Dir rooted at the given path. The path is converted to an
// absolute path. No I/O is performed; use EnsureStructure to create the
// directory layout.
func New(root string) Dir {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return Dir{root: abs}
}

// Root returns the absolute path to the .panelsync/ directory.
func (d Dir) Root() string { return d.root }

// ConfigPath returns the path to the main config file.
func (d Dir) ConfigPath() string { return filepath.Join(d.root, "config.yaml") }

// CatalogPath returns the path to the device catalog.
func (d Dir) CatalogPath() string { return filepath.Join(d.root, "catalog.yaml") }

// EnvPath returns the path to the optional .env file holding secrets.
func (d Dir) EnvPath() string { return filepath.Join(d.root, ".env") }

// LocalDir returns the path to the local (gitignored) runtime state directory.
func (d Dir) LocalDir() string { return filepath.Join(d.root, "local") }

// StatePath returns the path to the persisted energy state inside local/.
func (d Dir) StatePath() string { return filepath.Join(d.root, "local", "energy.json") }

// GitignorePath returns the path to the .gitignore file inside .panelsync/.
func (d Dir) GitignorePath() string { return filepath.Join(d.root, ".gitignore") }

// Rel returns path relative to the root when it lies inside it, so config
// files stay portable.
func (d Dir) Rel(path string) string {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// Exists reports whether the .panelsync/ root directory exists on disk.
func (d Dir) Exists() bool {
	info, err := os.Stat(d.root)

	return err == nil && info.IsDir()
}
