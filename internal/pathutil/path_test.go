package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveEmptyDirs(t *testing.T) {
	tempDir := t.TempDir()

	root := filepath.Join(tempDir, "root")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}

	// Create nested empty directories: root/a/b/c
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	// Remove c, and expect b and a to be removed too
	RemoveEmptyDirs(root, nested)

	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		path := filepath.Join(root, dir)
		if _, err := os.Stat(path); err == nil {
			t.Errorf("Expected directory %s to be removed, but it exists", path)
		}
	}

	// Root itself must survive
	if _, err := os.Stat(root); err != nil {
		t.Errorf("Expected root %s to survive, got %v", root, err)
	}
}

func TestRemoveEmptyDirs_StopsAtNonEmpty(t *testing.T) {
	root := t.TempDir()

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	RemoveEmptyDirs(root, nested)

	if _, err := os.Stat(nested); err == nil {
		t.Errorf("expected %s removed", nested)
	}
	if _, err := os.Stat(filepath.Join(root, "a")); err != nil {
		t.Errorf("expected a to survive (non-empty), got %v", err)
	}
}

func TestIsMediaFile(t *testing.T) {
	cases := map[string]bool{
		"episode.mkv":        true,
		"Movie.MP4":          true,
		"sample.avi":         true,
		"archive.part01.rar": false,
		"notes.txt":          false,
		"noext":              false,
	}
	for name, want := range cases {
		if got := IsMediaFile(name); got != want {
			t.Errorf("IsMediaFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("episode.mkv"); got != "video/x-matroska" {
		t.Errorf("unexpected content type %q", got)
	}
	if got := ContentTypeFor("unknown.bin"); got != "application/octet-stream" {
		t.Errorf("unexpected fallback content type %q", got)
	}
}
