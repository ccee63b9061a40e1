package translate

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/logger"
)

const (
	// CacheVersion is bumped whenever the on-disk layout changes. A file with
	// any other version is discarded on load.
	CacheVersion = 1
	// CacheFileName is the cache file inside the cache directory.
	CacheFileName = "translations.json"
	// DefaultMaxEntries caps the number of cached skills.
	DefaultMaxEntries = 10000
)

// Entry holds the translations of one skill description.
type Entry struct {
	Original     string            `json:"original"`
	Fingerprint  digest.Digest     `json:"fingerprint"`
	SyncedAt     int64             `json:"syncedAt"`
	Translations map[string]string `json:"translations"`
}

// Matches reports whether the entry was produced for exactly text.
func (e *Entry) Matches(text string) bool {
	return e != nil && e.Original == text
}

// Has reports whether every locale is present and non-empty.
func (e *Entry) Has(locales []string) bool {
	for _, l := range locales {
		if e.Translations[l] == "" {
			return false
		}
	}
	return true
}

type cacheFile struct {
	Version int               `json:"version"`
	Entries map[string]*Entry `json:"entries"`
}

// Cache is the process-scoped translation cache. It is read once by
// OpenCache and written back as a whole by Flush.
type Cache struct {
	path       string
	maxEntries int

	mu      sync.Mutex
	entries map[string]*Entry
}

// OpenCache loads the cache at path. A missing file, unparseable content or
// a version mismatch yields an empty cache; any other read failure is
// returned.
func OpenCache(ctx context.Context, path string, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{path: path, maxEntries: maxEntries, entries: make(map[string]*Entry)}
	log := logger.G(ctx).WithField(logger.FieldPath, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "failed to read translation cache %s", path)
	}

	var file cacheFile
	if err := json.Unmarshal(raw, &file); err != nil {
		log.WithError(err).Warn("translation cache is corrupt, starting fresh")
		return c, nil
	}
	if file.Version != CacheVersion || file.Entries == nil {
		log.WithField("version", file.Version).Warn("translation cache version mismatch, starting fresh")
		return c, nil
	}

	for id, e := range file.Entries {
		if e == nil || e.Fingerprint != digest.FromString(e.Original) {
			log.WithField(logger.FieldSkill, id).Debug("dropping translation entry with stale fingerprint")
			continue
		}
		if e.Translations == nil {
			e.Translations = map[string]string{}
		}
		c.entries[id] = e
	}
	if dropped := c.prune(); dropped > 0 {
		log.WithField("dropped", dropped).Warn("translation cache over its size limit, trimmed oldest entries")
	}
	return c, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Len returns the number of cached skills.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Translations = make(map[string]string, len(e.Translations))
	for k, v := range e.Translations {
		out.Translations[k] = v
	}
	return out, true
}

// Fresh reports whether the entry for id can serve text in every locale
// without another translation call.
func (c *Cache) Fresh(id, text string, locales []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	return e.Matches(text) && e.Has(locales)
}

// Merge records translations of text for id. Locales already cached for the
// same text are kept unless overwritten; an entry for a different text is
// replaced.
func (c *Cache) Merge(id, text string, translations map[string]string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[id]
	if !e.Matches(text) {
		e = &Entry{
			Original:     text,
			Fingerprint:  digest.FromString(text),
			Translations: map[string]string{},
		}
		c.entries[id] = e
	}
	for locale, v := range translations {
		e.Translations[locale] = v
	}
	e.SyncedAt = at.UnixMilli()
}

// Flush prunes the cache to its size limit and atomically rewrites the file.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	file := cacheFile{Version: CacheVersion, Entries: c.entries}
	return errors.Wrap(fsutil.WriteJSON(c.path, file), "failed to write translation cache")
}

// prune keeps the maxEntries most recently synced entries. Callers hold mu
// or own c exclusively.
func (c *Cache) prune() int {
	excess := len(c.entries) - c.maxEntries
	if excess <= 0 {
		return 0
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.entries[ids[i]].SyncedAt, c.entries[ids[j]].SyncedAt
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids[:excess] {
		delete(c.entries, id)
	}
	return excess
}
