// Package skills reads a skill's instructional document (SKILL.md): its
// optional YAML frontmatter and the short human summary shown in listings.
package skills

// Document is a parsed SKILL.md.
type Document struct {
	Name        string // from frontmatter, may be empty
	Description string // from frontmatter, may be empty
	Body        string // content after the frontmatter block
	Summary     string // first paragraph after the leading title
}
