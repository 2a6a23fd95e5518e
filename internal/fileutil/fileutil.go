// Package fileutil provides common file path utilities.
package fileutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeJoin joins name onto base and guarantees the result stays inside base.
// It returns an error when name escapes via traversal or an absolute path.
func SafeJoin(base, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed: %q", name)
	}

	joined := filepath.Join(base, name)

	rel, err := filepath.Rel(base, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %q", name)
	}

	return joined, nil
}

// unsafeChars are characters replaced by SanitizeFilename.
const unsafeChars = `/\:*?"<>|`

// SanitizeFilename strips path separators and other characters that are not
// safe in a file name, collapsing runs of whitespace. It never returns an
// empty string.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(unsafeChars, r):
			b.WriteRune('_')
		case r < 0x20:
			// Skip control characters.
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}
