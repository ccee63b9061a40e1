package registry

import "strings"

// BuildSearchDocs derives one search document per skill. Text joins the
// title, description, space-separated tags and summary, skipping empty parts.
func BuildSearchDocs(skills []*Skill) []SearchDoc {
	docs := make([]SearchDoc, 0, len(skills))
	for _, s := range skills {
		parts := []string{s.Title, s.Description, strings.Join(s.Tags, " "), s.Summary}
		text := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				text = append(text, p)
			}
		}
		docs = append(docs, SearchDoc{
			ID:       s.ID,
			Category: s.Category,
			Title:    s.Title,
			Tags:     nonNil(s.Tags),
			Agents:   nonNil(s.Agents),
			Text:     strings.Join(text, "\n"),
		})
	}
	return docs
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
