package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// ScanDir loads every <dir>/<plugin>/plugin.yaml. Relative file locations are
// resolved against the manifest's directory; network locations are kept.
// A missing dir yields no manifests.
func ScanDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		manifests []Manifest
		errs      []error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		base := filepath.Join(dir, e.Name())
		path := filepath.Join(base, ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if m.Runtime == RuntimeJAR && m.Location != "" && !filepath.IsAbs(m.Location) && !strings.HasPrefix(m.Location, "builtin:") {
			m.Location = filepath.Join(base, m.Location)
		}
		manifests = append(manifests, m)
	}
	return manifests, errors.Join(errs...)
}
