// Package mergecopy overlays a source directory tree onto a target tree.
// Matching files are copied over (overwriting), directories are created as
// needed, and nothing that already exists in the target is removed.
package mergecopy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

var (
	// ErrNotADirectory is returned when the copy source is missing or is not a directory.
	ErrNotADirectory = errors.New("source is not a directory")

	// ErrSymlinkCycle is returned when following symbolic links leads back
	// into a directory that is already being copied.
	ErrSymlinkCycle = errors.New("symbolic link cycle")
)

// Match reports whether a file name passes the extension filter. An empty
// filter matches every name; otherwise the name must end with one of the
// entries, compared case-insensitively.
func Match(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}

	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Copy merges the contents of source into target and returns the number of
// files copied.
//
// When includeSourceFolderName is set the effective target is
// target/<base name of source>; this nesting is applied once, not at every
// level. Symbolic links are followed. Files are filtered with Match and
// overwrite whatever is at the destination, keeping mode and timestamps.
// Target directories that already exist are reused as they are. Any error
// reading the source aborts the whole copy.
func Copy(source, target string, includeSourceFolderName bool, extensions []string) (int, error) {
	info, err := os.Stat(source)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotADirectory, source, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrNotADirectory, source)
	}

	if includeSourceFolderName {
		return Copy(source, filepath.Join(target, filepath.Base(filepath.Clean(source))), false, extensions)
	}

	c := &copier{
		extensions: extensions,
		opts: copy.Options{
			PreserveTimes: true,
			OnSymlink: func(string) copy.SymlinkAction {
				return copy.Deep
			},
		},
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Clean(target)), 0755); err != nil {
		return 0, fmt.Errorf("failed to create target parent directory: %w", err)
	}

	if err := c.copyDir(source, target, info, nil); err != nil {
		return 0, err
	}
	return c.copied, nil
}

type copier struct {
	extensions []string
	opts       copy.Options
	copied     int
}

// copyDir visits src pre-order: the target directory is ensured before any
// of its entries are copied. Attributes of directories it created are
// applied afterwards so that read-only sources do not block their contents.
func (c *copier) copyDir(src, dst string, info fs.FileInfo, ancestors []fs.FileInfo) error {
	for _, a := range ancestors {
		if os.SameFile(a, info) {
			return fmt.Errorf("%w: %s", ErrSymlinkCycle, src)
		}
	}

	created, err := ensureDir(dst)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	ancestors = append(ancestors, info)
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		// Stat follows links; a dangling link fails here.
		fi, err := os.Stat(srcPath)
		if err != nil {
			return err
		}

		switch {
		case fi.IsDir():
			if err := c.copyDir(srcPath, dstPath, fi, ancestors); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			if err := c.copyFile(srcPath, dstPath, entry.Name()); err != nil {
				return err
			}
		}
	}

	if !created {
		return nil
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// copyFile filters on the entry name as seen in the source tree, which for a
// symbolic link is the link's name rather than its target's. An existing
// destination file is replaced rather than written through, so read-only
// copies from an earlier run do not block the overwrite.
func (c *copier) copyFile(src, dst, name string) error {
	if !Match(name, c.extensions) {
		return nil
	}
	if fi, err := os.Lstat(dst); err == nil && !fi.IsDir() {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dst, err)
		}
	}
	if err := copy.Copy(src, dst, c.opts); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	c.copied++
	return nil
}

// ensureDir creates dir and reports whether it did. An existing directory is
// not an error; an existing non-directory is.
func ensureDir(dir string) (bool, error) {
	err := os.Mkdir(dir, 0755)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, err
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		return false, statErr
	}
	if !info.IsDir() {
		return false, err
	}
	return false, nil
}
