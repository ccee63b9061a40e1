package manifest

import (
	"embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed data/skill.schema.json data/category.schema.json
var embeddedSchemaFS embed.FS

const (
	skillSchemaFile    = "skill.schema.json"
	categorySchemaFile = "category.schema.json"
)

// Schemas holds the compiled skill and category schemas.
type Schemas struct {
	skill    *gojsonschema.Schema
	category *gojsonschema.Schema
}

// LoadSchemas compiles the schemas from dir, or the embedded copies when dir
// is empty. A missing or malformed schema file is fatal to the caller's run.
func LoadSchemas(dir string) (*Schemas, error) {
	skillData, err := readSchema(dir, skillSchemaFile)
	if err != nil {
		return nil, err
	}
	categoryData, err := readSchema(dir, categorySchemaFile)
	if err != nil {
		return nil, err
	}

	skill, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(skillData))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s", skillSchemaFile)
	}
	category, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(categoryData))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s", categorySchemaFile)
	}
	return &Schemas{skill: skill, category: category}, nil
}

// MustDefaultSchemas returns the embedded schemas and panics if they do not
// compile.
func MustDefaultSchemas() *Schemas {
	s, err := LoadSchemas("")
	if err != nil {
		panic(err)
	}
	return s
}

func readSchema(dir, name string) ([]byte, error) {
	if dir == "" {
		data, err := embeddedSchemaFS.ReadFile("data/" + name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read embedded schema %s", name)
		}
		return data, nil
	}
	file := filepath.Join(dir, name)
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read schema %s", file)
	}
	return data, nil
}

func (s *Schemas) validateSkill(doc []byte) []string {
	return validate(s.skill, doc)
}

func (s *Schemas) validateCategory(doc []byte) []string {
	return validate(s.category, doc)
}

func validate(schema *gojsonschema.Schema, doc []byte) []string {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return []string{"/ " + err.Error()}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, strings.TrimSpace(fieldPointer(e.Field())+" "+e.Description()))
	}
	return problems
}

// fieldPointer turns a gojsonschema field path such as "source.repo" or
// "tags.0" into a JSON pointer.
func fieldPointer(field string) string {
	if field == "" || field == "(root)" {
		return "/"
	}
	field = strings.TrimPrefix(field, "(root).")
	return "/" + strings.ReplaceAll(field, ".", "/")
}
