package sync

import (
	"context"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/telemetry"
	"github.com/inferera/skills-repo/pkg/workpool"
)

// DefaultConcurrency is the number of repositories probed per batch.
const DefaultConcurrency = 5

// TipResolver finds the commit a ref currently points to.
type TipResolver interface {
	ResolveTip(ctx context.Context, repo, ref string) (string, error)
}

// Comparer lists the files changed between two commits of a repository.
type Comparer interface {
	ChangedFiles(ctx context.Context, repo, base, head string) ([]string, error)
}

// DetectorOptions tunes a Detector.
type DetectorOptions struct {
	// Concurrency is the stage-one batch size.
	Concurrency int
	// Only restricts detection to skill ids matching this glob.
	Only string
}

// Detector finds externally sourced skills whose upstream content changed.
// A repository is first probed for its tip; only repositories whose tip
// moved are inspected file by file.
type Detector struct {
	resolver    TipResolver
	comparer    Comparer
	concurrency int
	only        glob.Glob
	now         func() time.Time
}

// NewDetector creates a detector. A nil comparer makes every changed
// repository fall back to a full fetch.
func NewDetector(resolver TipResolver, comparer Comparer, opts DetectorOptions) (*Detector, error) {
	d := &Detector{
		resolver:    resolver,
		comparer:    comparer,
		concurrency: opts.Concurrency,
		now:         time.Now,
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultConcurrency
	}
	if opts.Only != "" {
		g, err := glob.Compile(opts.Only)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid skill filter %q", opts.Only)
		}
		d.only = g
	}
	return d, nil
}

// repoGroup is every tracked skill bound to one repo@ref.
type repoGroup struct {
	repo, ref string
	skills    []*registry.Skill
	tip       string
}

func (g *repoGroup) key() string {
	return g.repo + "@" + g.ref
}

func (g *repoGroup) upToDate() bool {
	for _, s := range g.skills {
		if s.Source.SyncedCommit != g.tip {
			return false
		}
	}
	return true
}

// Detect returns the skills that need a fetch. Unreachable repositories are
// skipped with a warning and listed in Result.Unresolved.
func (d *Detector) Detect(ctx context.Context, skills []*registry.Skill) (*Result, error) {
	result := &Result{
		RunID:     uuid.NewString(),
		Timestamp: d.now().UTC(),
		Skills:    []Candidate{},
	}

	err := telemetry.WithSpan(ctx, "sync.detect", func(ctx context.Context) error {
		ctx = logger.WithStage(ctx, "detect")
		groups := d.group(ctx, skills)

		for _, batch := range workpool.Batches(groups, d.concurrency) {
			workpool.Run(ctx, len(batch), batch, d.probe)
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, g := range batch {
				if g.tip == "" {
					result.Unresolved = append(result.Unresolved, g.key())
					continue
				}
				result.Skills = append(result.Skills, d.inspect(ctx, g)...)
			}
		}

		telemetry.SetAttributes(ctx,
			attribute.Int("sync.repositories", len(groups)),
			attribute.Int("sync.candidates", len(result.Skills)),
			attribute.Int("sync.unresolved", len(result.Unresolved)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Detector) group(ctx context.Context, skills []*registry.Skill) []*repoGroup {
	var groups []*repoGroup
	byKey := make(map[string]*repoGroup)
	for _, s := range skills {
		if s.Source == nil {
			continue
		}
		if !s.Source.Tracked() {
			logger.G(ctx).WithField(logger.FieldSkill, s.ID).Warn("source binding needs both repo and ref to be tracked, skipping")
			continue
		}
		if d.only != nil && !d.only.Match(s.ID) {
			continue
		}
		g := &repoGroup{repo: s.Source.Repo, ref: s.Source.Ref}
		if existing, ok := byKey[g.key()]; ok {
			g = existing
		} else {
			byKey[g.key()] = g
			groups = append(groups, g)
		}
		g.skills = append(g.skills, s)
	}
	return groups
}

// probe resolves the tip of one group. Failures leave tip empty and are
// reported by the caller; they never fail the unit.
func (d *Detector) probe(ctx context.Context, g *repoGroup) error {
	return telemetry.WithSpan(ctx, "sync.detect.probe", func(ctx context.Context) error {
		log := logger.G(ctx).WithField(logger.FieldRepo, g.repo).WithField(logger.FieldRef, g.ref)
		tip, err := d.resolver.ResolveTip(ctx, g.repo, g.ref)
		if err != nil {
			telemetry.RecordError(ctx, err)
			log.WithError(err).Warn("could not resolve upstream ref, skipping repository for this run")
			return nil
		}
		g.tip = tip
		log.WithField(logger.FieldCommit, tip).Debug("resolved upstream tip")
		return nil
	}, attribute.String("repo", g.repo), attribute.String("ref", g.ref))
}

// inspect classifies each skill of a group whose tip is known.
func (d *Detector) inspect(ctx context.Context, g *repoGroup) []Candidate {
	log := logger.G(ctx).WithField(logger.FieldRepo, g.repo).WithField(logger.FieldRef, g.ref)
	if g.upToDate() {
		log.WithField(logger.FieldCommit, g.tip).Debug("repository up to date")
		return nil
	}

	// Skills sharing a synced commit share one compare call.
	compared := make(map[string][]string)
	failed := make(map[string]error)

	var out []Candidate
	for _, s := range g.skills {
		skillLog := log.WithField(logger.FieldSkill, s.ID)
		synced := s.Source.SyncedCommit
		candidate := Candidate{
			ID:           s.ID,
			File:         s.ManifestPath,
			Source:       *s.Source,
			LatestCommit: g.tip,
		}

		switch {
		case synced == "":
			candidate.Reason = ReasonInitial
		case synced == g.tip:
			continue
		default:
			files, ok := compared[synced]
			err := failed[synced]
			if !ok && err == nil {
				files, err = d.compare(ctx, g.repo, synced, g.tip)
				if err != nil {
					failed[synced] = err
				} else {
					compared[synced] = files
				}
			}
			if err != nil {
				skillLog.WithError(err).Warn("compare failed, fetching to be safe")
				candidate.Reason = ReasonAPIFallback
				break
			}

			var changed []string
			for _, f := range files {
				if s.Source.Covers(f) {
					changed = append(changed, f)
				}
			}
			if len(changed) == 0 {
				skillLog.Debug("upstream changes do not touch this skill")
				continue
			}
			candidate.Reason = ReasonFilesChanged
			candidate.ChangedFiles = changed
		}

		skillLog.WithField(logger.FieldReason, candidate.Reason).WithField(logger.FieldCommit, g.tip).Info("skill needs sync")
		out = append(out, candidate)
	}
	return out
}

func (d *Detector) compare(ctx context.Context, repo, base, head string) ([]string, error) {
	if d.comparer == nil {
		return nil, errors.New("no compare API configured")
	}
	return d.comparer.ChangedFiles(ctx, repo, base, head)
}
