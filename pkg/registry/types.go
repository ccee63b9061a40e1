// Package registry scans the skills tree into validated records, aggregates
// categories, and assembles the registry artifacts consumed by the site and
// the CLI.
package registry

import (
	"strings"

	"github.com/inferera/skills-repo/pkg/manifest"
)

// SpecVersion stamps every generated artifact.
const SpecVersion = 2

// FileEntry is one file shipped with a skill.
type FileEntry struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Skill is a validated manifest plus what the scanner derived for it.
type Skill struct {
	manifest.Manifest

	RepoPath     string      `json:"repoPath"`
	Summary      string      `json:"summary"`
	Files        []FileEntry `json:"files"`
	ManifestPath string      `json:"-"`
	// NeedsSync is set in validation mode for a source-bound skill whose
	// content has not been fetched yet.
	NeedsSync bool `json:"-"`
}

// Category is an aggregated entry of categories.json.
type Category struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Icon        *string `json:"icon"`
	Order       int     `json:"order"`
}

// DefaultCategoryOrder sorts categories without explicit metadata last.
const DefaultCategoryOrder = 999

// SearchDoc is one entry of search-index.json.
type SearchDoc struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Title    string   `json:"title"`
	Tags     []string `json:"tags"`
	Agents   []string `json:"agents"`
	Text     string   `json:"text"`
}

// ValidationError is returned by a strict build when the scan or category
// aggregation reported problems.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Errors, "\n\n")
}

var keepUpper = map[string]bool{"UI": true, "UX": true, "CLI": true, "API": true}

// HumanizeSlug turns "ui-design" into "UI Design".
func HumanizeSlug(slug string) string {
	var words []string
	for _, part := range strings.Split(slug, "-") {
		if part == "" {
			continue
		}
		if upper := strings.ToUpper(part); keepUpper[upper] {
			words = append(words, upper)
			continue
		}
		words = append(words, strings.ToUpper(part[:1])+part[1:])
	}
	return strings.Join(words, " ")
}
