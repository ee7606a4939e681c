package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// volumeRoot manages the engine-owned named-volume directory tree. It
// is deliberately minimal: volume lifecycle belongs to the engine, and
// the rest of the system only ever sees resolved paths through the
// Engine interface.
type volumeRoot struct {
	basePath string
}

func newVolumeRoot(basePath string) (*volumeRoot, error) {
	if basePath == "" {
		return nil, fmt.Errorf("engine volume root must not be empty")
	}
	if err := os.MkdirAll(basePath, 0710); err != nil {
		return nil, fmt.Errorf("failed to create engine volume root: %w", err)
	}
	return &volumeRoot{basePath: basePath}, nil
}

// path returns the host path for a named volume.
func (v *volumeRoot) path(name string) string {
	return filepath.Join(v.basePath, name)
}

// ensure creates the volume directory if absent. The inventory loader
// rejects traversal names up front; this re-checks so the package is
// safe on its own: a volume is always a single directory directly
// under the storage root.
func (v *volumeRoot) ensure(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("volume name %q must be a single path segment", name)
	}
	volumePath := v.path(name)
	if err := os.MkdirAll(volumePath, 0750); err != nil {
		return "", fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return volumePath, nil
}
