package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MaxSymlinkDepth bounds how many links are followed while resolving one path.
const MaxSymlinkDepth = 40

var (
	// ErrSymlinkEscape is returned when a link resolves outside its allowed root.
	ErrSymlinkEscape = errors.New("symlink target outside allowed root")
	// ErrSymlinkLoop is returned for circular links.
	ErrSymlinkLoop = errors.New("circular symlink")
	// ErrSymlinkDepth is returned when resolution exceeds MaxSymlinkDepth hops.
	ErrSymlinkDepth = errors.New("symlink depth exceeded")
	// ErrLimitExceeded is returned when a copy goes over its file or byte budget.
	ErrLimitExceeded = errors.New("copy limit exceeded")
)

// ResolveSymlink follows link hop by hop until it reaches a non-link and
// returns the real path and its info. The final target must live strictly
// inside root.
func ResolveSymlink(link, root string) (string, os.FileInfo, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to resolve root %s", root)
	}

	current := link
	visited := make(map[string]struct{})
	for depth := 0; depth < MaxSymlinkDepth; depth++ {
		if _, seen := visited[current]; seen {
			return "", nil, errors.Wrapf(ErrSymlinkLoop, "%s", link)
		}
		visited[current] = struct{}{}

		info, err := os.Lstat(current)
		if err != nil {
			return "", nil, errors.Wrapf(err, "cannot access %s", current)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			realPath, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", nil, errors.Wrapf(err, "failed to resolve %s", current)
			}
			if !WithinRoot(realPath, realRoot) {
				return "", nil, errors.Wrapf(ErrSymlinkEscape, "%s -> %s", link, realPath)
			}
			finalInfo, err := os.Stat(realPath)
			if err != nil {
				return "", nil, errors.Wrapf(err, "symlink target disappeared: %s", realPath)
			}
			return realPath, finalInfo, nil
		}

		target, err := os.Readlink(current)
		if err != nil {
			return "", nil, errors.Wrapf(err, "cannot read symlink %s", current)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = filepath.Clean(target)
	}

	return "", nil, errors.Wrapf(ErrSymlinkDepth, "%s", link)
}

// WithinRoot reports whether target lies strictly below root. Both paths are
// expected to be clean and absolute.
func WithinRoot(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CopyOptions controls CopyTree.
type CopyOptions struct {
	// Root bounds symlink targets. Defaults to the copy source.
	Root string
	// Exclude lists entry names skipped at every depth.
	Exclude []string
	// MaxFiles and MaxBytes cap the copied payload. Zero disables a cap.
	MaxFiles int
	MaxBytes int64
}

// CopyStats summarises a completed copy.
type CopyStats struct {
	Files int
	Bytes int64
}

type treeCopier struct {
	opts    CopyOptions
	exclude map[string]struct{}
	active  map[string]struct{}
	stats   CopyStats
}

// CopyTree copies src into dst recursively, replacing symlinks with the
// content they point at. Any link that escapes Root, loops, or cannot be
// resolved fails the whole copy.
func CopyTree(src, dst string, opts CopyOptions) (CopyStats, error) {
	if opts.Root == "" {
		opts.Root = src
	}
	c := &treeCopier{
		opts:    opts,
		exclude: make(map[string]struct{}, len(opts.Exclude)),
		active:  make(map[string]struct{}),
	}
	for _, name := range opts.Exclude {
		c.exclude[name] = struct{}{}
	}

	realSrc, err := filepath.EvalSymlinks(src)
	if err != nil {
		return c.stats, errors.Wrapf(err, "failed to resolve %s", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return c.stats, errors.Wrapf(err, "failed to create %s", dst)
	}
	err = c.copyDir(realSrc, dst)
	return c.stats, err
}

func (c *treeCopier) copyDir(src, dst string) error {
	if _, ok := c.active[src]; ok {
		return errors.Wrapf(ErrSymlinkLoop, "%s", src)
	}
	c.active[src] = struct{}{}
	defer delete(c.active, src)

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", src)
	}

	for _, entry := range entries {
		if _, skip := c.exclude[entry.Name()]; skip {
			continue
		}
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		info, err := os.Lstat(srcPath)
		if err != nil {
			return errors.Wrapf(err, "failed to stat %s", srcPath)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			realPath, realInfo, err := ResolveSymlink(srcPath, c.opts.Root)
			if err != nil {
				return err
			}
			srcPath, info = realPath, realInfo
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create %s", dstPath)
			}
			if err := c.copyDir(srcPath, dstPath); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := c.copyFile(srcPath, dstPath, info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *treeCopier) copyFile(src, dst string, info os.FileInfo) error {
	c.stats.Files++
	c.stats.Bytes += info.Size()
	if c.opts.MaxFiles > 0 && c.stats.Files > c.opts.MaxFiles {
		return errors.Wrapf(ErrLimitExceeded, "more than %d files", c.opts.MaxFiles)
	}
	if c.opts.MaxBytes > 0 && c.stats.Bytes > c.opts.MaxBytes {
		return errors.Wrapf(ErrLimitExceeded, "more than %d bytes", c.opts.MaxBytes)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to copy %s", src)
	}
	return errors.Wrapf(out.Close(), "failed to close %s", dst)
}
