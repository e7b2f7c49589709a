package syncdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MigrateState moves a legacy energy state file from .panelsync/energy.json
// to .panelsync/local/energy.json. It is a no-op if the old file does not
// exist or the new file already exists.
func MigrateState(d Dir) error {
	oldPath := filepath.Join(d.Root(), "energy.json")
	newPath := d.StatePath()

	if _, err := os.Stat(oldPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("syncdir: migrate state: stat old path: %w", err)
	}

	// Don't overwrite if new location already has a file.
	if _, err := os.Stat(newPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("syncdir: migrate state: stat new path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0o750); err != nil {
		return fmt.Errorf("syncdir: migrate state: create dir: %w", err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("syncdir: migrate state: %w", err)
	}

	return nil
}
