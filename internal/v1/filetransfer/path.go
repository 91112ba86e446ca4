package filetransfer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sanitizePath resolves filename against storageDir and rejects anything
// that would resolve outside it. It never touches the filesystem; callers
// that hit ErrPathTraversal must reply with a failure and leave storage
// untouched, per the path-safety invariant.
func sanitizePath(storageDir, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}
	if strings.ContainsRune(filename, 0) {
		return "", fmt.Errorf("invalid filename")
	}

	root, err := filepath.Abs(storageDir)
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}

	joined, err := filepath.Abs(filepath.Join(root, filename))
	if err != nil {
		return "", fmt.Errorf("resolve target path: %w", err)
	}

	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %q resolves outside storage root", filename)
	}
	if joined == root {
		return "", fmt.Errorf("filename must not be the storage root itself")
	}
	return joined, nil
}
