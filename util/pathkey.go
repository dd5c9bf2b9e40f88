package util

import (
	"path/filepath"
	"runtime"
	"strings"
)

// PathKey normalizes a file path into a map key: cleaned, made
// absolute when possible, and case-folded on hosts whose filesystems
// are case-insensitive. Two paths naming the same file produce the
// same key.
func PathKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	} else {
		path = filepath.Clean(path)
	}
	if caseInsensitiveFS {
		path = strings.ToLower(path)
	}
	return path
}

var caseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"
