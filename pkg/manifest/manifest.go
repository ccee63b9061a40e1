// Package manifest defines the on-disk skill and category metadata records
// and how they are decoded, schema-checked and rewritten.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the canonical manifest name inside a skill directory.
	FileName = ".x_skill.yaml"
	// LegacyFileName is the retired manifest name, reported as a migration error.
	LegacyFileName = "skill.yaml"
	// CategoryFileName holds optional per-category metadata.
	CategoryFileName = "_category.yaml"
	// InstructionFile is the instructional document every skill ships.
	InstructionFile = "SKILL.md"
)

// Manifest is one skill's metadata as authored in FileName.
type Manifest struct {
	ID          string         `json:"id" yaml:"id"`
	Category    string         `json:"category" yaml:"category"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Tags        []string       `json:"tags" yaml:"tags,omitempty"`
	Agents      []string       `json:"agents" yaml:"agents,omitempty"`
	Runtime     []string       `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	License     string         `json:"license,omitempty" yaml:"license,omitempty"`
	Author      string         `json:"author,omitempty" yaml:"author,omitempty"`
	Homepage    string         `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Source      *SourceBinding `json:"source,omitempty" yaml:"source,omitempty"`
}

// SourceBinding points a skill at the upstream repository subtree it mirrors.
type SourceBinding struct {
	Repo         string `json:"repo" yaml:"repo"`
	Path         string `json:"path,omitempty" yaml:"path,omitempty"`
	Ref          string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Commit       string `json:"commit,omitempty" yaml:"commit,omitempty"`
	SyncedCommit string `json:"syncedCommit,omitempty" yaml:"syncedCommit,omitempty"`
	ImportedAt   string `json:"importedAt,omitempty" yaml:"importedAt,omitempty"`
}

// Tracked reports whether the binding names both a repository and a ref, the
// minimum needed to probe the upstream for changes.
func (s *SourceBinding) Tracked() bool {
	return s != nil && s.Repo != "" && s.Ref != ""
}

// SubPath returns the normalised subtree path, "." for the repository root.
func (s *SourceBinding) SubPath() string {
	return NormalizeSubPath(s.Path)
}

// Prefix is the changed-file prefix for this binding: "" for the repository
// root, otherwise the subtree path followed by a slash.
func (s *SourceBinding) Prefix() string {
	p := s.SubPath()
	if p == "." {
		return ""
	}
	return p + "/"
}

// Covers reports whether a repository-relative file path falls inside the
// bound subtree.
func (s *SourceBinding) Covers(file string) bool {
	prefix := s.Prefix()
	return strings.HasPrefix(file, prefix) || file == s.SubPath()
}

// NormalizeSubPath maps "", "/" and "./" forms to "." and strips leading and
// trailing slashes from everything else.
func NormalizeSubPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// CategoryMeta is the optional metadata in skills/{category}/_category.yaml.
type CategoryMeta struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Order       *int   `json:"order,omitempty" yaml:"order,omitempty"`
}

// ParseError reports a manifest that is not well-formed YAML.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Failed to parse YAML: %s\n%v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError lists every schema violation found in one document.
type SchemaError struct {
	Path     string
	Problems []string
}

func (e *SchemaError) Error() string {
	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, "Schema validation failed: "+e.Path)
	for _, p := range e.Problems {
		lines = append(lines, "- "+p)
	}
	return strings.Join(lines, "\n")
}

// Load reads, parses and validates the skill manifest at file.
func Load(file string, schemas *Schemas) (*Manifest, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", file)
	}
	return Decode(file, raw, schemas)
}

// Decode validates raw manifest bytes and decodes them. name is used only in
// error messages.
func Decode(name string, raw []byte, schemas *Schemas) (*Manifest, error) {
	doc, err := yamlToJSON(raw)
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}

	problems := schemas.validateSkill(doc)
	if len(problems) > 0 {
		return nil, &SchemaError{Path: name, Problems: problems}
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	if m.Source != nil {
		if problem := checkSubPath(m.Source.Path); problem != "" {
			return nil, &SchemaError{Path: name, Problems: []string{problem}}
		}
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.Agents == nil {
		m.Agents = []string{}
	}
	return &m, nil
}

// LoadCategory reads and validates a category metadata file.
func LoadCategory(file string, schemas *Schemas) (*CategoryMeta, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", file)
	}
	doc, err := yamlToJSON(raw)
	if err != nil {
		return nil, &ParseError{Path: file, Err: err}
	}
	if problems := schemas.validateCategory(doc); len(problems) > 0 {
		return nil, &SchemaError{Path: file, Problems: problems}
	}
	var meta CategoryMeta
	if err := json.Unmarshal(doc, &meta); err != nil {
		return nil, &ParseError{Path: file, Err: err}
	}
	return &meta, nil
}

func checkSubPath(p string) string {
	clean := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "/source/path must not contain \"..\" segments"
		}
	}
	return ""
}

// yamlToJSON decodes YAML into generic values and re-encodes them as JSON so
// the document can be checked by a JSON schema.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[k] = conv
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, errors.Errorf("unsupported non-string key %v", k)
			}
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case []any:
		for i, val := range t {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			t[i] = conv
		}
		return t, nil
	default:
		return v, nil
	}
}
