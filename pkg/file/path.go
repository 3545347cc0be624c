package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext ("txt" and ".txt" are both accepted).
// A leading dot in the base name is not treated as an extension.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dir, name := filepath.Split(path)
	if lastDot := strings.LastIndex(name, "."); lastDot > 0 {
		name = name[:lastDot]
	}
	return filepath.Join(dir, name+ext)
}

// TrimExt drops the extension of path.
func TrimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
