package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// Find locates an experiment directory under <baseDir>/experiments by
// experiment id, id prefix, or name. When a name matches several
// experiments the most recently created wins.
func Find(baseDir, ref string) (string, *models.Manifest, error) {
	root := filepath.Join(baseDir, "experiments")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", nil, fmt.Errorf("experiment: list %s: %w", root, err)
	}

	type match struct {
		dir      string
		manifest *models.Manifest
	}
	var matches []match

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "active" {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		m, err := ReadManifest(dir)
		if err != nil {
			continue
		}
		if m.ExperimentID == ref || m.Name == ref || strings.HasPrefix(m.ExperimentID, ref) {
			matches = append(matches, match{dir: dir, manifest: m})
		}
	}

	if len(matches) == 0 {
		return "", nil, fmt.Errorf("experiment: no experiment matching %q under %s", ref, root)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].manifest.CreatedAt.After(matches[j].manifest.CreatedAt)
	})
	return matches[0].dir, matches[0].manifest, nil
}

// List returns manifests for every experiment under baseDir, newest
// first. Unreadable directories are skipped.
func List(baseDir string) ([]*models.Manifest, error) {
	root := filepath.Join(baseDir, "experiments")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*models.Manifest
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "active" {
			continue
		}
		if m, err := ReadManifest(filepath.Join(root, entry.Name())); err == nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
