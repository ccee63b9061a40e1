package sync

import (
	"context"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/registry"
)

// HydrateCandidates turns skills whose content is missing from the cache
// into fetch candidates. The recorded synced or pinned commit is reused so a
// build reproduces what was last validated; otherwise the ref tip is
// resolved. Skills that cannot be resolved are logged and left out.
func HydrateCandidates(ctx context.Context, resolver TipResolver, skills []*registry.Skill) []Candidate {
	var out []Candidate
	for _, s := range skills {
		if !s.NeedsSync || s.Source == nil || s.Source.Repo == "" {
			continue
		}
		log := logger.G(ctx).WithField(logger.FieldSkill, s.ID).WithField(logger.FieldRepo, s.Source.Repo)

		reason := ReasonHydrate
		commit := PendingCommit(s.Source)
		if commit == "" {
			reason = ReasonInitial
			ref := s.Source.Ref
			if ref == "" {
				ref = "HEAD"
			}
			tip, err := resolver.ResolveTip(ctx, s.Source.Repo, ref)
			if err != nil {
				log.WithError(err).Warn("could not resolve upstream ref for missing content")
				continue
			}
			commit = tip
		}

		out = append(out, Candidate{
			ID:           s.ID,
			File:         s.ManifestPath,
			Source:       *s.Source,
			LatestCommit: commit,
			Reason:       reason,
		})
	}
	return out
}
