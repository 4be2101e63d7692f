package server

import (
	"path"
	"strings"
)

const maxFilenameLen = 512

// SanitizeFilename reduces a client-supplied filename to a safe basename:
// NUL bytes are dropped, backslashes are treated as path separators,
// traversal components are removed and the result is capped in length.
// An unusable name becomes "upload".
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "\\", "/")

	parts := strings.Split(name, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	name = path.Base(strings.Join(kept, "/"))

	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	return name
}
