package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIgnored(t *testing.T) {
	tests := []struct {
		path    string
		ignored bool
	}{
		{".git", true},
		{"scripts/.git/HEAD", true},
		{"node_modules/x/index.js", true},
		{"lib/__pycache__", true},
		{"lib/mod.pyc", true},
		{".DS_Store", true},
		{"docs/.DS_Store", true},
		{"dist", true},
		{"SKILL.md", false},
		{"scripts/run.py", false},
		{"distance/notes.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, Ignored(tt.path))
		})
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "# x")
	writeFile(t, filepath.Join(dir, "scripts", "run.sh"), "echo")
	writeFile(t, filepath.Join(dir, ".x_skill.yaml"), "id: x")
	writeFile(t, filepath.Join(dir, ".hidden", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "node_modules", "dep", "i.js"), "")
	writeFile(t, filepath.Join(dir, "lib", "m.pyc"), "")

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKILL.md", "scripts/run.sh"}, files)
}

func TestFindSymlinks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "# x")
	require.NoError(t, os.Symlink("SKILL.md", filepath.Join(dir, "README.md")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "nested", ".secret")))

	links, err := FindSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "nested/.secret"}, links)
}

func TestResolveSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(root, "real.md"), "content")
	writeFile(t, filepath.Join(outside, "secret"), "nope")

	require.NoError(t, os.Symlink("real.md", filepath.Join(root, "hop1")))
	require.NoError(t, os.Symlink("hop1", filepath.Join(root, "hop2")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink("loop-b", filepath.Join(root, "loop-a")))
	require.NoError(t, os.Symlink("loop-a", filepath.Join(root, "loop-b")))

	t.Run("chain inside root", func(t *testing.T) {
		resolved, info, err := ResolveSymlink(filepath.Join(root, "hop2"), root)
		require.NoError(t, err)
		assert.Equal(t, "real.md", filepath.Base(resolved))
		assert.False(t, info.IsDir())
	})

	t.Run("escape", func(t *testing.T) {
		_, _, err := ResolveSymlink(filepath.Join(root, "escape"), root)
		assert.True(t, errors.Is(err, ErrSymlinkEscape))
	})

	t.Run("loop", func(t *testing.T) {
		_, _, err := ResolveSymlink(filepath.Join(root, "loop-a"), root)
		assert.True(t, errors.Is(err, ErrSymlinkLoop))
	})
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(src, "SKILL.md"), "# Skill")
	writeFile(t, filepath.Join(src, ".x_skill.yaml"), "id: x")
	writeFile(t, filepath.Join(src, "skill.yaml"), "id: x")
	writeFile(t, filepath.Join(src, "shared", "ref.md"), "shared")
	writeFile(t, filepath.Join(src, "node_modules", "a.js"), "")
	require.NoError(t, os.Symlink("shared", filepath.Join(src, "linked-dir")))
	require.NoError(t, os.Symlink("SKILL.md", filepath.Join(src, "ALIAS.md")))

	stats, err := CopyTree(src, dst, CopyOptions{
		Exclude: []string{".git", "node_modules", ".x_skill.yaml", "skill.yaml"},
	})
	require.NoError(t, err)

	files, err := ListFiles(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"ALIAS.md", "SKILL.md", "linked-dir/ref.md", "shared/ref.md"}, files)
	assert.Equal(t, 4, stats.Files)

	info, err := os.Lstat(filepath.Join(dst, "ALIAS.md"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestCopyTree_RejectsEscapingSymlink(t *testing.T) {
	src := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(src, "SKILL.md"), "# Skill")
	writeFile(t, filepath.Join(outside, "creds"), "secret")
	require.NoError(t, os.Symlink(filepath.Join(outside, "creds"), filepath.Join(src, "creds")))

	_, err := CopyTree(src, filepath.Join(t.TempDir(), "out"), CopyOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSymlinkEscape))
}

func TestCopyTree_RejectsDirectoryCycle(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "sub", "a.md"), "a")
	require.NoError(t, os.Symlink(".", filepath.Join(src, "sub", "self")))

	_, err := CopyTree(filepath.Join(src, "sub"), filepath.Join(t.TempDir(), "out"), CopyOptions{Root: src})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSymlinkLoop))
}

func TestCopyTree_Limits(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.md"), "12345")
	writeFile(t, filepath.Join(src, "b.md"), "12345")

	_, err := CopyTree(src, filepath.Join(t.TempDir(), "out"), CopyOptions{MaxFiles: 1})
	assert.True(t, errors.Is(err, ErrLimitExceeded))

	_, err = CopyTree(src, filepath.Join(t.TempDir(), "out"), CopyOptions{MaxBytes: 8})
	assert.True(t, errors.Is(err, ErrLimitExceeded))
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.json")
	require.NoError(t, WriteJSON(path, map[string]int{"specVersion": 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"specVersion\": 2\n}\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
