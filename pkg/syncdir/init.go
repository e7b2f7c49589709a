package syncdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// gitignoreContent keeps runtime state and secrets out of version control.
const gitignoreContent = "local/\n.env\n"

// EnsureStructure creates the local/ directory and .gitignore file if they are
// missing. It is idempotent. It does NOT create the root itself; Bootstrap
// does that.
func EnsureStructure(d Dir) error {
	if err := os.MkdirAll(d.LocalDir(), 0o750); err != nil {
		return fmt.Errorf("syncdir: create local dir: %w", err)
	}

	if err := ensureFile(d.GitignorePath(), []byte(gitignoreContent)); err != nil {
		return fmt.Errorf("syncdir: gitignore: %w", err)
	}

	return nil
}

// Bootstrap creates the directory with the given config and catalog files.
// Existing files are left untouched unless overwrite is set.
func Bootstrap(d Dir, config, catalog []byte, overwrite bool) error {
	if err := os.MkdirAll(d.Root(), 0o750); err != nil {
		return fmt.Errorf("syncdir: create root: %w", err)
	}
	if err := EnsureStructure(d); err != nil {
		return err
	}

	files := []struct {
		path string
		data []byte
	}{
		{d.ConfigPath(), config},
		{d.CatalogPath(), catalog},
	}
	for _, f := range files {
		if f.data == nil {
			continue
		}

		var err error
		if overwrite {
			err = os.WriteFile(f.path, f.data, 0o600)
		} else {
			err = ensureFile(f.path, f.data)
		}
		if err != nil {
			return fmt.Errorf("syncdir: write %s: %w", filepath.Base(f.path), err)
		}
	}

	return nil
}

// ensureFile writes data to path if no file exists there.
func ensureFile(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
