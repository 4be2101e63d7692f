package server

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain name", "report.pdf", "report.pdf"},
		{"unix path", "/etc/passwd", "passwd"},
		{"windows path", `C:\Users\alice\notes.md`, "notes.md"},
		{"traversal", "../../secret.txt", "secret.txt"},
		{"mixed traversal", "..\\..\\..\\boot.ini", "boot.ini"},
		{"nul bytes", "evil\x00.pdf", "evil.pdf"},
		{"empty", "", "upload"},
		{"only dots", "../..", "upload"},
		{"dot", ".", "upload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 600) + ".txt"
	got := SanitizeFilename(long)
	if len(got) != maxFilenameLen {
		t.Errorf("len = %d, want %d", len(got), maxFilenameLen)
	}
}
