package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EscapeError is a typed error so callers can branch on sandbox rejections.
type EscapeError struct {
	Root string
	Path string
}

func (e EscapeError) Error() string {
	return fmt.Sprintf("policy violation: path escapes project root: root=%q path=%q", e.Root, e.Path)
}

// SafeResolve joins path against root and returns the absolute, cleaned
// result. It fails when the resolved path is not a strict descendant of
// root. The root itself is not a valid tool target.
func SafeResolve(root, path string) (string, error) {
	rt, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", err
	}

	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(rt, path))
	}

	prefix := rt + string(filepath.Separator)
	if !strings.HasPrefix(full, prefix) {
		return "", EscapeError{Root: rt, Path: path}
	}
	return full, nil
}

// IsSensitive reports whether a root-relative path points into a directory
// the runtime never traverses. Persisted paths always use forward slashes.
func IsSensitive(rel string) bool {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")
	for _, p := range []string{".git", "node_modules"} {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// Rel returns the forward-slash path of full relative to root, for event
// payloads and persisted identifiers.
func Rel(root, full string) string {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return filepath.ToSlash(full)
	}
	return filepath.ToSlash(rel)
}
