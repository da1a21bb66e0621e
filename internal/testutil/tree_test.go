package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadTree(t *testing.T) {
	dir := t.TempDir()

	WriteTree(t, dir, map[string]string{
		"a.txt":     "a",
		"sub/b.txt": "b",
		"empty/":    "",
	})
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0644); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"a.txt":     "a",
		"sub/":      "",
		"sub/b.txt": "b",
		"empty/":    "",
	}
	if diff := cmp.Diff(want, ReadTree(t, dir)); diff != "" {
		t.Errorf("ReadTree() mismatch (-want +got):\n%s", diff)
	}
}
