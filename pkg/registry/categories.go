package registry

import (
	"fmt"
	"path"
	"sort"

	"github.com/inferera/skills-repo/pkg/manifest"
)

// AggregateCategories builds the ordered category list: one entry per
// category referenced by a skill or declared by a metadata file, overlaid
// with that metadata, sorted by (order, id). Metadata problems are returned
// as messages and leave the category at its defaults.
func (s *Scanner) AggregateCategories(skills []*Skill) ([]Category, []string, error) {
	byID := make(map[string]*Category)
	seed := func(id string) *Category {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &Category{ID: id, Title: HumanizeSlug(id), Order: DefaultCategoryOrder}
		byID[id] = c
		return c
	}

	for _, skill := range skills {
		seed(skill.Category)
	}

	files, err := s.glob(categoryGlob)
	if err != nil {
		return nil, nil, err
	}

	var problems []string
	for _, file := range files {
		catID := path.Base(path.Dir(file))
		cat := seed(catID)

		meta, err := manifest.LoadCategory(s.abs(file), s.schemas)
		if err != nil {
			problems = append(problems, relativeMessage(err, s.abs(file), file))
			continue
		}
		if meta.ID != "" && meta.ID != catID {
			problems = append(problems, fmt.Sprintf("Category id mismatch: %s\n- folder: %s\n- %s: %s", file, catID, manifest.CategoryFileName, meta.ID))
			continue
		}

		if meta.Title != "" {
			cat.Title = meta.Title
		}
		if meta.Description != "" {
			cat.Description = meta.Description
		}
		if meta.Icon != "" {
			icon := meta.Icon
			cat.Icon = &icon
		}
		if meta.Order != nil {
			cat.Order = *meta.Order
		}
	}

	out := make([]Category, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, problems, nil
}
