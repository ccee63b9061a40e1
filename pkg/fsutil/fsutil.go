// Package fsutil holds the filesystem primitives shared by the scanner and the
// fetcher: ignore rules, symlink discovery and resolution, guarded tree copy,
// and whole-file atomic writes.
package fsutil

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// IgnorePatterns are skipped when walking or listing a skill tree.
var IgnorePatterns = []string{
	"**/.git",
	"**/.git/**",
	"**/node_modules",
	"**/node_modules/**",
	"**/.next",
	"**/.next/**",
	"**/dist",
	"**/dist/**",
	"**/out",
	"**/out/**",
	"**/__pycache__",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/*.pyo",
	"**/.DS_Store",
}

// Ignored reports whether the slash-separated relative path matches one of
// IgnorePatterns.
func Ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// FindSymlinks returns every symlink under dir, dotfiles included, as sorted
// slash-separated paths relative to dir. Links are never followed.
func FindSymlinks(dir string) ([]string, error) {
	var links []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			links = append(links, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %s", dir)
	}
	sort.Strings(links)
	return links, nil
}

// ListFiles returns the regular files under dir as sorted slash-separated
// relative paths. Dotfiles, ignored paths and symlinks are left out.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if strings.HasPrefix(d.Name(), ".") || Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFileAtomic replaces path with data by writing a sibling temp file and
// renaming it into place, so readers never observe a torn file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write %s", tmp.Name())
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to sync %s", tmp.Name())
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", tmp.Name())
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}

// WriteJSON writes v as two-space indented JSON with a trailing newline.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}
