package fs

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ParseExcludeFile reads exclusion patterns, one per line. Blank lines and
// lines starting with '#' are skipped, surrounding whitespace is trimmed.
// Returns nil and no error if the file does not exist.
func ParseExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}

// MergePatterns appends extra to base, dropping empty and repeated patterns
// while keeping first-seen order.
func MergePatterns(base []string, extra ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range base {
		add(p)
	}
	for _, list := range extra {
		for _, p := range list {
			add(p)
		}
	}
	return out
}
