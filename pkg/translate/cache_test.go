package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCacheFile(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestOpenCache_MissingFile(t *testing.T) {
	c, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), CacheFileName), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestOpenCache_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c, err := OpenCache(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestOpenCache_VersionMismatchDiscardsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)
	writeCacheFile(t, path, map[string]any{
		"version": CacheVersion + 1,
		"entries": map[string]any{
			"pdf": map[string]any{
				"original":     "Extract PDFs",
				"fingerprint":  digest.FromString("Extract PDFs"),
				"syncedAt":     1,
				"translations": map[string]string{"en": "Extract PDFs"},
			},
		},
	})

	c, err := OpenCache(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestOpenCache_DropsStaleFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), CacheFileName)
	writeCacheFile(t, path, map[string]any{
		"version": CacheVersion,
		"entries": map[string]any{
			"good": map[string]any{
				"original":     "A",
				"fingerprint":  digest.FromString("A"),
				"syncedAt":     1,
				"translations": map[string]string{"de": "A-de"},
			},
			"tampered": map[string]any{
				"original":     "B",
				"fingerprint":  digest.FromString("not B"),
				"syncedAt":     1,
				"translations": map[string]string{"de": "B-de"},
			},
		},
	})

	c, err := OpenCache(context.Background(), path, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("tampered")
	assert.False(t, ok)
}

func TestOpenCache_UnreadableIsError(t *testing.T) {
	dir := t.TempDir()
	// A directory at the cache path cannot be read as a file.
	path := filepath.Join(dir, CacheFileName)
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := OpenCache(context.Background(), path, 0)
	assert.Error(t, err)
}

func TestCache_MergeAndFresh(t *testing.T) {
	c, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), CacheFileName), 0)
	require.NoError(t, err)

	now := time.UnixMilli(1000)
	c.Merge("pdf", "Extract", map[string]string{"en": "Extract", "de": "Extrahieren"}, now)

	assert.True(t, c.Fresh("pdf", "Extract", []string{"en", "de"}))
	assert.False(t, c.Fresh("pdf", "Extract", []string{"en", "de", "fr"}), "new locale needs work")
	assert.False(t, c.Fresh("pdf", "Extract text", []string{"en"}), "changed text invalidates")

	c.Merge("pdf", "Extract", map[string]string{"fr": "Extraire"}, now.Add(time.Second))
	entry, ok := c.Get("pdf")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"en": "Extract", "de": "Extrahieren", "fr": "Extraire"}, entry.Translations)
	assert.Equal(t, int64(2000), entry.SyncedAt)

	c.Merge("pdf", "Extract text", map[string]string{"en": "Extract text"}, now)
	entry, _ = c.Get("pdf")
	assert.Equal(t, map[string]string{"en": "Extract text"}, entry.Translations)
	assert.Equal(t, digest.FromString("Extract text"), entry.Fingerprint)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), CacheFileName), 0)
	require.NoError(t, err)
	c.Merge("a", "x", map[string]string{"en": "x"}, time.Now())

	entry, _ := c.Get("a")
	entry.Translations["en"] = "mutated"

	again, _ := c.Get("a")
	assert.Equal(t, "x", again.Translations["en"])
}

func TestCache_FlushRoundTripAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", CacheFileName)
	c, err := OpenCache(context.Background(), path, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("skill-%d", i)
		c.Merge(id, id, map[string]string{"en": id}, time.UnixMilli(int64(i)))
	}
	require.NoError(t, c.Flush())
	assert.Equal(t, 3, c.Len())

	reopened, err := OpenCache(context.Background(), path, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())
	for _, dropped := range []string{"skill-0", "skill-1"} {
		_, ok := reopened.Get(dropped)
		assert.False(t, ok, dropped)
	}
	for _, kept := range []string{"skill-2", "skill-3", "skill-4"} {
		_, ok := reopened.Get(kept)
		assert.True(t, ok, kept)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var file map[string]any
	require.NoError(t, json.Unmarshal(raw, &file))
	assert.EqualValues(t, CacheVersion, file["version"])
}

func TestCache_PruneTieBreaksByID(t *testing.T) {
	c, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), CacheFileName), 1)
	require.NoError(t, err)
	at := time.UnixMilli(42)
	c.Merge("b", "b", map[string]string{"en": "b"}, at)
	c.Merge("a", "a", map[string]string{"en": "a"}, at)

	require.NoError(t, c.Flush())
	_, ok := c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("a")
	assert.False(t, ok)
}
