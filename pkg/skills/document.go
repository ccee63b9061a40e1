package skills

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// FileName is the instructional document inside a skill directory.
const FileName = "SKILL.md"

var md = goldmark.New(goldmark.WithExtensions(meta.Meta))

// ReadDocument loads and parses the SKILL.md at path.
func ReadDocument(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return ParseDocument(content)
}

// ParseDocument parses SKILL.md content. Frontmatter is optional.
func ParseDocument(content []byte) (*Document, error) {
	pctx := parser.NewContext()
	var buf bytes.Buffer
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	doc := &Document{}
	if metaData, err := meta.TryGet(pctx); err == nil && metaData != nil {
		doc.Name, _ = metaData["name"].(string)
		doc.Description, _ = metaData["description"].(string)
	}

	doc.Body = stripFrontmatter(string(content))
	doc.Summary = ExtractSummary([]byte(doc.Body))
	return doc, nil
}

// stripFrontmatter removes a leading "---" delimited block, if closed.
func stripFrontmatter(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return content
	}

	lines := strings.Split(normalized, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") == "---" {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return content
}

// ExtractSummary returns the first contiguous non-blank block of lines that
// follows an optional leading "#" title. body must not carry frontmatter.
func ExtractSummary(body []byte) string {
	body = bytes.TrimSpace(bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n")))
	if len(body) == 0 {
		return ""
	}

	// Any first line starting with "#" is the title, heading syntax or not.
	if body[0] == '#' {
		i := bytes.IndexByte(body, '\n')
		if i < 0 {
			return ""
		}
		body = bytes.TrimSpace(body[i+1:])
		if len(body) == 0 {
			return ""
		}
	}

	root := goldmark.DefaultParser().Parse(text.NewReader(body))
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		start, ok := blockStart(node)
		if !ok {
			continue
		}
		return firstParagraph(body[lineStart(body, start):])
	}
	return ""
}

// blockStart finds the byte offset of the first source line of n.
func blockStart(n ast.Node) (int, bool) {
	if fenced, ok := n.(*ast.FencedCodeBlock); ok && fenced.Info != nil {
		return fenced.Info.Segment.Start, true
	}
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		return n.Lines().At(0).Start, true
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if start, ok := blockStart(c); ok {
			return start, true
		}
	}
	return 0, false
}

func lineStart(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	if i := bytes.LastIndexByte(src[:offset], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func firstParagraph(src []byte) string {
	var para []string
	for _, line := range strings.Split(string(src), "\n") {
		if strings.TrimSpace(line) == "" {
			break
		}
		para = append(para, line)
	}
	return strings.TrimSpace(strings.Join(para, "\n"))
}
