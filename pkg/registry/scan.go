package registry

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/skills"
	"github.com/inferera/skills-repo/pkg/telemetry"
)

const (
	// SkillsDir is the top-level directory holding skills/{category}/{id}.
	SkillsDir = "skills"

	manifestGlob = SkillsDir + "/*/*/" + manifest.FileName
	legacyGlob   = SkillsDir + "/*/*/" + manifest.LegacyFileName
	categoryGlob = SkillsDir + "/*/" + manifest.CategoryFileName
)

// ScanOptions selects how much the scanner derives per skill. With neither
// files nor summary requested the scan runs in validation mode.
type ScanOptions struct {
	IncludeFiles   bool
	IncludeSummary bool
	// CacheDir holds fetched upstream content, one directory per skill id.
	// Relative paths are resolved against the scan root.
	CacheDir string
}

func (o ScanOptions) needsContent() bool {
	return o.IncludeFiles || o.IncludeSummary
}

// ScanResult carries every valid skill plus the problems found on the way.
type ScanResult struct {
	Skills []*Skill
	Errors []string
}

// Scanner validates the skills tree under a registry root.
type Scanner struct {
	root    string
	schemas *manifest.Schemas
}

// NewScanner creates a scanner over root.
func NewScanner(root string, schemas *manifest.Schemas) *Scanner {
	return &Scanner{root: root, schemas: schemas}
}

// Root returns the registry root the scanner reads from.
func (s *Scanner) Root() string {
	return s.root
}

// Scan walks every manifest under skills/. Problems with individual skills
// are collected in the result; only failures to enumerate the tree itself
// are returned as an error.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	var result *ScanResult
	err := telemetry.WithSpan(ctx, "registry.scan", func(ctx context.Context) error {
		var err error
		result, err = s.scan(ctx, opts)
		if result != nil {
			telemetry.SetAttributes(ctx,
				attribute.Int("skills.valid", len(result.Skills)),
				attribute.Int("skills.errors", len(result.Errors)),
			)
		}
		return err
	}, attribute.Bool("scan.include_files", opts.IncludeFiles), attribute.Bool("scan.include_summary", opts.IncludeSummary))
	return result, err
}

func (s *Scanner) scan(ctx context.Context, opts ScanOptions) (*ScanResult, error) {
	log := logger.G(ctx)
	result := &ScanResult{Skills: []*Skill{}, Errors: []string{}}

	legacy, err := s.glob(legacyGlob)
	if err != nil {
		return nil, err
	}
	for _, legacyPath := range legacy {
		canonical := path.Join(path.Dir(legacyPath), manifest.FileName)
		if fsutil.Exists(s.abs(canonical)) {
			result.Errors = append(result.Errors, fmt.Sprintf("Legacy manifest should be removed: %s\n- canonical: %s", legacyPath, canonical))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("Legacy manifest filename is not supported: %s\n- rename to: %s", legacyPath, canonical))
		}
	}

	manifests, err := s.glob(manifestGlob)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	for _, manifestPath := range manifests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		skill, problem := s.scanOne(manifestPath, seen, opts)
		if problem != "" {
			result.Errors = append(result.Errors, problem)
			continue
		}
		if skill.NeedsSync {
			log.WithField(logger.FieldSkill, skill.ID).WithField(logger.FieldRepo, skill.Source.Repo).
				Debug("skill content not fetched yet")
		}
		result.Skills = append(result.Skills, skill)
	}

	return result, nil
}

// scanOne validates a single manifest. A non-empty problem means the skill is
// excluded.
func (s *Scanner) scanOne(manifestPath string, seen map[string]string, opts ScanOptions) (*Skill, string) {
	skillDir := path.Dir(manifestPath)
	skillID := path.Base(skillDir)
	category := path.Base(path.Dir(skillDir))

	links, err := fsutil.FindSymlinks(s.abs(skillDir))
	if err != nil {
		return nil, fmt.Sprintf("Failed to inspect skill directory: %s\n%v", skillDir, err)
	}
	if len(links) > 0 {
		lines := []string{"Symlinks are not allowed in skill directories: " + skillDir}
		for _, l := range links {
			lines = append(lines, "- "+l)
		}
		return nil, strings.Join(lines, "\n")
	}

	m, err := manifest.Load(s.abs(manifestPath), s.schemas)
	if err != nil {
		return nil, relativeMessage(err, s.abs(manifestPath), manifestPath)
	}

	if m.ID != skillID {
		return nil, fmt.Sprintf("Skill id mismatch: %s\n- folder: %s\n- %s: %s", manifestPath, skillID, manifest.FileName, m.ID)
	}
	if m.Category != category {
		return nil, fmt.Sprintf("Skill category mismatch: %s\n- folder: %s\n- %s: %s", manifestPath, category, manifest.FileName, m.Category)
	}
	if first, dup := seen[m.ID]; dup {
		return nil, fmt.Sprintf("Duplicate skill id: %s\n- %s\n- %s", m.ID, first, manifestPath)
	}
	seen[m.ID] = manifestPath

	skill := &Skill{
		Manifest:     *m,
		RepoPath:     skillDir,
		Files:        []FileEntry{},
		ManifestPath: manifestPath,
	}

	cacheSkillDir := filepath.Join(s.cacheDir(opts), skillID)
	cacheDoc := filepath.Join(cacheSkillDir, skills.FileName)
	localDoc := s.abs(path.Join(skillDir, skills.FileName))

	var docPath string
	switch {
	case fsutil.Exists(cacheDoc):
		docPath = cacheDoc
	case fsutil.Exists(localDoc):
		docPath = localDoc
	case m.Source != nil && m.Source.Repo != "":
		if opts.needsContent() {
			return nil, fmt.Sprintf("Skill needs sync: %s\n- no %s in cache or skill directory\n- run `skillhub sync fetch` to fetch it from %s", skillID, skills.FileName, m.Source.Repo)
		}
		skill.NeedsSync = true
		return skill, ""
	default:
		return nil, "Missing " + skills.FileName + ": " + path.Join(skillDir, skills.FileName)
	}

	if opts.IncludeSummary {
		doc, err := skills.ReadDocument(docPath)
		if err != nil {
			return nil, fmt.Sprintf("Failed to read %s: %s\n%v", skills.FileName, docPath, err)
		}
		skill.Summary = doc.Summary
	}

	if opts.IncludeFiles {
		fileDir := s.abs(skillDir)
		if fsutil.Exists(cacheSkillDir) {
			fileDir = cacheSkillDir
		}
		files, err := fsutil.ListFiles(fileDir)
		if err != nil {
			return nil, fmt.Sprintf("Failed to list files: %s\n%v", skillDir, err)
		}
		for _, f := range files {
			skill.Files = append(skill.Files, FileEntry{Path: f, Kind: "file"})
		}
	}

	return skill, ""
}

func (s *Scanner) cacheDir(opts ScanOptions) string {
	if opts.CacheDir == "" {
		return s.abs(".cache/skills")
	}
	if filepath.IsAbs(opts.CacheDir) {
		return opts.CacheDir
	}
	return filepath.Join(s.root, opts.CacheDir)
}

func (s *Scanner) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// glob returns sorted root-relative matches, skipping hidden categories and
// skill directories.
func (s *Scanner) glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob %s", pattern)
	}
	out := matches[:0]
	for _, m := range matches {
		parts := strings.Split(m, "/")
		hidden := false
		for _, p := range parts[1 : len(parts)-1] {
			if strings.HasPrefix(p, ".") {
				hidden = true
				break
			}
		}
		if !hidden {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// relativeMessage rewrites absolute paths in err's message to the
// root-relative form used in every other scan message.
func relativeMessage(err error, absPath, relPath string) string {
	return strings.ReplaceAll(err.Error(), absPath, relPath)
}
