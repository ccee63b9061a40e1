package manifest

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
	"gopkg.in/yaml.v3"
)

// SetSyncedCommit records commit as source.syncedCommit in the manifest at
// file. The document is edited as a YAML node tree so unknown fields, key
// order and comments survive the rewrite.
func SetSyncedCommit(file, commit string) error {
	err := lockedfile.Transform(file, func(data []byte) ([]byte, error) {
		return setSourceField(data, "syncedCommit", commit)
	})
	return errors.Wrapf(err, "failed to stamp syncedCommit in %s", file)
}

func setSourceField(data []byte, key, value string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("manifest is not a mapping")
	}

	source := mappingValue(doc.Content[0], "source")
	if source == nil {
		return nil, errors.New("manifest has no source binding")
	}
	if source.Kind != yaml.MappingNode {
		return nil, errors.New("source binding is not a mapping")
	}
	setScalar(source, key, value)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setScalar(m *yaml.Node, key, value string) {
	if v := mappingValue(m, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Value = value
		v.Style = 0
		v.Content = nil
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
