package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/telemetry"
)

const (
	// DefaultMaxFiles caps the files copied for one skill.
	DefaultMaxFiles = 2500
	// DefaultMaxBytes caps the bytes copied for one skill.
	DefaultMaxBytes int64 = 50 * 1024 * 1024
)

// stagingPattern matches staging directories and swap backups left in the
// cache by an interrupted fetch.
const stagingPattern = ".*-staging-*"

// ExcludedNames are never copied from an upstream tree.
var ExcludedNames = []string{".git", "node_modules", manifest.FileName, manifest.LegacyFileName}

// Checkouter retrieves one repository state into a fresh directory.
type Checkouter interface {
	Checkout(ctx context.Context, repo, ref, commit, dir string) error
}

// CopyFunc copies a skill subtree; fsutil.CopyTree in production.
type CopyFunc func(src, dst string, opts fsutil.CopyOptions) (fsutil.CopyStats, error)

// FetcherOptions tunes a Fetcher.
type FetcherOptions struct {
	// Root is the registry root manifests are resolved against.
	Root string
	// CacheDir receives one directory per skill id.
	CacheDir string
	MaxFiles int
	MaxBytes int64
	// TempDir hosts the per-group working directories, os.TempDir when empty.
	TempDir string
	// Copy overrides the tree copy.
	Copy CopyFunc
}

// Failure is a skill the fetcher could not sync.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report summarises a fetch run.
type Report struct {
	Synced []string  `json:"synced"`
	Failed []Failure `json:"failed"`
	Groups int       `json:"groups"`
}

// Fetcher copies candidate skills from their upstream repositories into the
// cache and records the synced commit in each manifest.
type Fetcher struct {
	git  Checkouter
	opts FetcherOptions
}

// NewFetcher creates a fetcher.
func NewFetcher(git Checkouter, opts FetcherOptions) *Fetcher {
	if opts.MaxFiles == 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Copy == nil {
		opts.Copy = fsutil.CopyTree
	}
	return &Fetcher{git: git, opts: opts}
}

type commitGroup struct {
	repo, commit string
	candidates   []Candidate
}

// Fetch syncs every candidate. Each repository state is checked out once;
// failures are per skill and reported, never returned.
func (f *Fetcher) Fetch(ctx context.Context, candidates []Candidate) (*Report, error) {
	ctx = logger.WithStage(ctx, "fetch")
	report := &Report{Synced: []string{}, Failed: []Failure{}}

	if err := os.MkdirAll(f.opts.CacheDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %s", f.opts.CacheDir)
	}
	f.sweepStaging(ctx)

	for _, g := range groupByCommit(candidates) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Groups++
		err := telemetry.WithSpan(ctx, "sync.fetch.group", func(ctx context.Context) error {
			f.fetchGroup(ctx, g, report)
			return nil
		}, attribute.String("repo", g.repo), attribute.String("commit", g.commit), attribute.Int("skills", len(g.candidates)))
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// sweepStaging removes leftovers of an earlier fetch that did not finish.
func (f *Fetcher) sweepStaging(ctx context.Context) {
	entries, err := os.ReadDir(f.opts.CacheDir)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to list cache directory")
		return
	}
	for _, entry := range entries {
		if ok, _ := doublestar.Match(stagingPattern, entry.Name()); !ok {
			continue
		}
		path := filepath.Join(f.opts.CacheDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.G(ctx).WithError(err).WithField(logger.FieldPath, path).Warn("failed to remove stale staging directory")
			continue
		}
		logger.G(ctx).WithField(logger.FieldPath, path).Debug("removed stale staging directory")
	}
}

func groupByCommit(candidates []Candidate) []*commitGroup {
	var groups []*commitGroup
	byKey := make(map[string]*commitGroup)
	for _, c := range candidates {
		key := c.Source.Repo + "@" + c.LatestCommit
		g, ok := byKey[key]
		if !ok {
			g = &commitGroup{repo: c.Source.Repo, commit: c.LatestCommit}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.candidates = append(g.candidates, c)
	}
	return groups
}

func (f *Fetcher) fetchGroup(ctx context.Context, g *commitGroup, report *Report) {
	log := logger.G(ctx).WithField(logger.FieldRepo, g.repo).WithField(logger.FieldCommit, g.commit)
	fail := func(id string, err error) {
		log.WithField(logger.FieldSkill, id).WithError(err).Warn("failed to sync skill")
		report.Failed = append(report.Failed, Failure{ID: id, Reason: err.Error()})
	}

	work, err := os.MkdirTemp(f.opts.TempDir, "skillhub-sync-")
	if err != nil {
		for _, c := range g.candidates {
			fail(c.ID, errors.Wrap(err, "failed to create working directory"))
		}
		return
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			log.WithError(err).WithField(logger.FieldPath, work).Warn("failed to remove working directory")
		}
	}()

	checkout := filepath.Join(work, "repo")
	ref := g.candidates[0].Source.Ref
	log.WithField(logger.FieldRef, ref).Info("checking out upstream repository")
	if err := f.git.Checkout(ctx, g.repo, ref, g.commit, checkout); err != nil {
		for _, c := range g.candidates {
			fail(c.ID, errors.Wrapf(err, "checkout of %s@%s failed", g.repo, g.commit))
		}
		return
	}

	for _, c := range g.candidates {
		if err := f.syncSkill(ctx, checkout, c); err != nil {
			fail(c.ID, err)
			continue
		}
		report.Synced = append(report.Synced, c.ID)
	}
}

// syncSkill copies one skill subtree into its cache slot and then stamps the
// manifest. Nothing is stamped unless the copy fully succeeded.
func (f *Fetcher) syncSkill(ctx context.Context, checkout string, c Candidate) error {
	log := logger.G(ctx).WithField(logger.FieldSkill, c.ID)

	sub := c.Source.SubPath()
	src := checkout
	if sub != "." {
		src = filepath.Join(checkout, filepath.FromSlash(sub))
		if !fsutil.WithinRoot(src, checkout) {
			return errors.Errorf("source path %q escapes the repository", c.Source.Path)
		}
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return errors.Errorf("source path %q not found at %s", sub, c.LatestCommit)
	}
	if !fsutil.Exists(filepath.Join(src, manifest.InstructionFile)) {
		return errors.Errorf("%s missing under %q at %s", manifest.InstructionFile, sub, c.LatestCommit)
	}

	staging, err := os.MkdirTemp(f.opts.CacheDir, "."+c.ID+"-staging-")
	if err != nil {
		return errors.Wrap(err, "failed to create staging directory")
	}
	stats, err := f.opts.Copy(src, staging, fsutil.CopyOptions{
		Root:     src,
		Exclude:  ExcludedNames,
		MaxFiles: f.opts.MaxFiles,
		MaxBytes: f.opts.MaxBytes,
	})
	if err != nil {
		_ = os.RemoveAll(staging)
		return errors.Wrap(err, "copy failed")
	}
	// MkdirTemp creates 0700; the slot must be readable like any other copy.
	if err := os.Chmod(staging, 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return errors.Wrap(err, "failed to set staging directory permissions")
	}

	if err := swapDir(staging, filepath.Join(f.opts.CacheDir, c.ID)); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	manifestPath := filepath.Join(f.opts.Root, filepath.FromSlash(c.File))
	if err := manifest.SetSyncedCommit(manifestPath, c.LatestCommit); err != nil {
		return errors.Wrap(err, "content cached but manifest not stamped")
	}

	log.WithField(logger.FieldCommit, c.LatestCommit).WithField("files", stats.Files).WithField("bytes", stats.Bytes).
		Info("synced skill")
	return nil
}

// swapDir replaces slot with staging, restoring the previous slot if the
// final rename fails.
func swapDir(staging, slot string) error {
	backup := ""
	if _, err := os.Lstat(slot); err == nil {
		backup = staging + ".previous"
		if err := os.Rename(slot, backup); err != nil {
			return errors.Wrapf(err, "failed to move aside %s", slot)
		}
	}
	if err := os.Rename(staging, slot); err != nil {
		if backup != "" {
			_ = os.Rename(backup, slot)
		}
		return errors.Wrapf(err, "failed to install %s", slot)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return nil
}

// PendingCommit reports the commit a skill would be fetched at when no
// detection ran: the synced commit, then the pinned commit.
func PendingCommit(s *manifest.SourceBinding) string {
	if s == nil {
		return ""
	}
	if c := strings.TrimSpace(s.SyncedCommit); c != "" {
		return c
	}
	return strings.TrimSpace(s.Commit)
}
