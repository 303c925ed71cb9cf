package tool

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/sandbox"
)

// ReadFile resolves path against root and returns at most maxBytes of
// UTF-8 content. Failures carry a specific kind so the agent loop can
// relay a useful remediation hint.
func ReadFile(root, path string, maxBytes int) (string, error) {
	full, err := sandbox.SafeResolve(root, path)
	if err != nil {
		return "", err
	}
	if maxBytes <= 0 {
		maxBytes = plan.MaxReadBytes
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", classifyFSError(path, err)
	}
	if info.IsDir() {
		return "", ToolError{Kind: ErrKindIsDir, Path: path, Hint: "use SEARCH to list directory contents"}
	}
	if info.Size() > int64(maxBytes) {
		return "", ToolError{Kind: ErrKindTooLarge, Path: path, Hint: "raise maxBytes or read a smaller file"}
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return "", classifyFSError(path, err)
	}
	return string(b), nil
}

// WriteFile resolves path, creates parent directories, and writes UTF-8
// content. Mode "create_only" fails when the target already exists.
func WriteFile(root, path, content, mode string) error {
	full, err := sandbox.SafeResolve(root, path)
	if err != nil {
		return err
	}

	if mode == "create_only" {
		if _, err := os.Stat(full); err == nil {
			return ToolError{Kind: ErrKindExists, Path: path, Hint: `use mode "overwrite" to replace it`}
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return classifyFSError(path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return classifyFSError(path, err)
	}
	return nil
}

// PatchFile applies a whole-file replacement patch. The patch must begin
// with the REPLACE marker; any other format is an explicit error rather
// than a silent partial write.
func PatchFile(root, path, patch string) error {
	if !strings.HasPrefix(patch, plan.PatchMarker) {
		return ToolError{Kind: ErrKindBadPatch, Path: path, Hint: `patch must begin with "REPLACE:\n"`}
	}
	content := strings.TrimPrefix(patch, plan.PatchMarker)
	return WriteFile(root, path, content, "overwrite")
}

func classifyFSError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ToolError{Kind: ErrKindNotFound, Path: path, Hint: "check the path with SEARCH first", Err: err}
	case errors.Is(err, fs.ErrPermission):
		return ToolError{Kind: ErrKindPermission, Path: path, Hint: "the runtime cannot access this path", Err: err}
	case errors.Is(err, syscall.EISDIR):
		return ToolError{Kind: ErrKindIsDir, Path: path, Err: err}
	case errors.Is(err, syscall.ENOSPC):
		return ToolError{Kind: ErrKindNoSpace, Path: path, Hint: "free disk space and retry", Err: err}
	default:
		return ToolError{Kind: ErrKindIO, Path: path, Err: err}
	}
}
