package tm

import (
	"path/filepath"
	"strings"
)

// SourceSpec is the ordered set of source roots and exclusion patterns for a
// run. It is not modified once a run starts.
type SourceSpec struct {
	Roots   []string
	Exclude []string
}

// NewSourceSpec cleans the roots and drops blank patterns. A blank pattern
// would otherwise match every path.
func NewSourceSpec(roots []string, exclude []string) SourceSpec {
	spec := SourceSpec{}
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		spec.Roots = append(spec.Roots, filepath.Clean(r))
	}
	for _, p := range exclude {
		if p == "" {
			continue
		}
		spec.Exclude = append(spec.Exclude, p)
	}
	return spec
}

// Excluded reports whether any pattern occurs in the absolute path.
func (s SourceSpec) Excluded(path string) bool {
	for _, p := range s.Exclude {
		if p != "" && strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// relativeTo returns path relative to root using forward slashes, the form
// stored in FileRecords.
func relativeTo(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
