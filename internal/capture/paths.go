package capture

import (
	"fmt"
	"os"
)

// DirPerm is the mode given to output directories the session creates.
const DirPerm os.FileMode = 0755

// PrepareDir makes sure dir exists. A missing directory is created, along
// with any parents, and chmod'ed to DirPerm so the umask cannot narrow it.
// An existing directory is left alone.
func PrepareDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("output path is not a directory: %s", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat output directory: %w", err)
	}

	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.Chmod(dir, DirPerm); err != nil {
		return fmt.Errorf("chmod output directory: %w", err)
	}
	return nil
}
