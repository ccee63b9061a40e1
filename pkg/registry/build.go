package registry

import (
	"context"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/telemetry"
	"github.com/inferera/skills-repo/pkg/translate"
)

const (
	// IndexFile lists every valid skill.
	IndexFile = "index.json"
	// CategoriesFile lists the aggregated categories.
	CategoriesFile = "categories.json"
	// SearchIndexFile lists one search document per skill.
	SearchIndexFile = "search-index.json"
	// AgentsFile is hand-maintained and mirrored to the site when present.
	AgentsFile = "agents.json"

	// DefaultOutputDir receives the artifacts, relative to the root.
	DefaultOutputDir = "registry"
)

// Localizer turns skill descriptions into locale maps.
type Localizer interface {
	Localize(ctx context.Context, sources []translate.Source) (map[string]map[string]string, translate.Stats, error)
}

// BuildOptions configures a Builder. Relative directories resolve against
// the scanner root.
type BuildOptions struct {
	OutputDir string
	// PublicDir receives a mirror of the artifacts under registry/ plus the
	// sitemap. Empty disables the mirror.
	PublicDir string
	SiteURL   string
	CacheDir  string
	// Advisory writes whatever is valid instead of failing on problems.
	Advisory bool
}

// BuildReport summarises one build.
type BuildReport struct {
	Skills      int
	Categories  int
	Errors      []string
	Translation translate.Stats
	Written     []string
}

// Builder assembles the registry artifacts.
type Builder struct {
	scanner   *Scanner
	localizer Localizer
	opts      BuildOptions
	now       func() time.Time
}

// NewBuilder creates a builder. A nil localizer leaves descriptions as plain
// strings.
func NewBuilder(scanner *Scanner, localizer Localizer, opts BuildOptions) *Builder {
	if opts.OutputDir == "" {
		opts.OutputDir = DefaultOutputDir
	}
	return &Builder{scanner: scanner, localizer: localizer, opts: opts, now: time.Now}
}

type artifact struct {
	SpecVersion int    `json:"specVersion"`
	GeneratedAt string `json:"generatedAt"`
	Skills      any    `json:"skills,omitempty"`
	Categories  any    `json:"categories,omitempty"`
	Docs        any    `json:"docs,omitempty"`
}

// indexEntry replaces the manifest description with its localized form.
type indexEntry struct {
	*Skill
	Description any `json:"description"`
}

// Build scans, validates and writes every artifact. In strict mode any scan
// or category problem aborts the build with a *ValidationError before
// anything is written.
func (b *Builder) Build(ctx context.Context) (*BuildReport, error) {
	var report *BuildReport
	err := telemetry.WithSpan(ctx, "registry.build", func(ctx context.Context) error {
		var err error
		report, err = b.build(logger.WithStage(ctx, "build"))
		if report != nil {
			telemetry.SetAttributes(ctx,
				attribute.Int("registry.skills", report.Skills),
				attribute.Int("registry.errors", len(report.Errors)),
			)
		}
		return err
	}, attribute.Bool("build.advisory", b.opts.Advisory))
	return report, err
}

func (b *Builder) build(ctx context.Context) (*BuildReport, error) {
	log := logger.G(ctx)

	scan, err := b.scanner.Scan(ctx, ScanOptions{IncludeFiles: true, IncludeSummary: true, CacheDir: b.opts.CacheDir})
	if err != nil {
		return nil, err
	}
	categories, problems, err := b.scanner.AggregateCategories(scan.Skills)
	if err != nil {
		return nil, err
	}

	report := &BuildReport{
		Skills:     len(scan.Skills),
		Categories: len(categories),
		Errors:     append(append([]string{}, scan.Errors...), problems...),
	}
	if len(report.Errors) > 0 {
		if !b.opts.Advisory {
			return report, &ValidationError{Errors: report.Errors}
		}
		log.WithField("errors", len(report.Errors)).Warn("registry has problems, writing partial output")
	}

	descriptions, stats, err := b.localize(ctx, scan.Skills)
	if err != nil {
		return report, err
	}
	report.Translation = stats

	entries := make([]indexEntry, 0, len(scan.Skills))
	for _, s := range scan.Skills {
		entry := indexEntry{Skill: s, Description: s.Description}
		if localized, ok := descriptions[s.ID]; ok {
			entry.Description = localized
		}
		entries = append(entries, entry)
	}

	generatedAt := b.now().UTC().Format(time.RFC3339)
	outDir := b.abs(b.opts.OutputDir)
	outputs := map[string]artifact{
		IndexFile:       {SpecVersion: SpecVersion, GeneratedAt: generatedAt, Skills: entries},
		CategoriesFile:  {SpecVersion: SpecVersion, GeneratedAt: generatedAt, Categories: categories},
		SearchIndexFile: {SpecVersion: SpecVersion, GeneratedAt: generatedAt, Docs: BuildSearchDocs(scan.Skills)},
	}
	for _, name := range []string{IndexFile, CategoriesFile, SearchIndexFile} {
		path := filepath.Join(outDir, name)
		if err := fsutil.WriteJSON(path, outputs[name]); err != nil {
			return report, errors.Wrapf(err, "failed to write %s", name)
		}
		report.Written = append(report.Written, path)
	}

	if b.opts.PublicDir != "" {
		written, err := b.publish(outDir, generatedAt, scan.Skills, categories)
		report.Written = append(report.Written, written...)
		if err != nil {
			return report, err
		}
	}

	log.WithField("skills", report.Skills).WithField("categories", report.Categories).Info("registry built")
	return report, nil
}

func (b *Builder) localize(ctx context.Context, skills []*Skill) (map[string]map[string]string, translate.Stats, error) {
	if b.localizer == nil {
		return nil, translate.Stats{}, nil
	}
	sources := make([]translate.Source, 0, len(skills))
	for _, s := range skills {
		sources = append(sources, translate.Source{ID: s.ID, Text: s.Description})
	}
	return b.localizer.Localize(ctx, sources)
}

// publish mirrors the artifacts into the site and writes the crawler files.
func (b *Builder) publish(outDir, generatedAt string, skills []*Skill, categories []Category) ([]string, error) {
	publicDir := b.abs(b.opts.PublicDir)
	mirror := filepath.Join(publicDir, DefaultOutputDir)

	var written []string
	for _, name := range []string{IndexFile, CategoriesFile, SearchIndexFile, AgentsFile} {
		src := filepath.Join(outDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if name == AgentsFile && os.IsNotExist(err) {
				continue
			}
			return written, errors.Wrapf(err, "failed to read %s", src)
		}
		dst := filepath.Join(mirror, name)
		if err := fsutil.WriteFileAtomic(dst, data, 0o644); err != nil {
			return written, errors.Wrapf(err, "failed to publish %s", name)
		}
		written = append(written, dst)
	}

	siteURL := strings.TrimRight(strings.TrimSpace(b.opts.SiteURL), "/")
	if siteURL == "" {
		return written, nil
	}

	sitemap, err := Sitemap(siteURL, generatedAt, skills, categories)
	if err != nil {
		return written, err
	}
	files := map[string][]byte{
		"sitemap.xml": sitemap,
		"robots.txt":  []byte(Robots(siteURL)),
	}
	for _, name := range []string{"sitemap.xml", "robots.txt"} {
		dst := filepath.Join(publicDir, name)
		if err := fsutil.WriteFileAtomic(dst, files[name], 0o644); err != nil {
			return written, errors.Wrapf(err, "failed to write %s", name)
		}
		written = append(written, dst)
	}
	return written, nil
}

func (b *Builder) abs(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(b.scanner.Root(), filepath.FromSlash(dir))
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	XMLNS   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// Sitemap lists the home page, the category index, every category page and
// every skill page under siteURL.
func Sitemap(siteURL, lastMod string, skills []*Skill, categories []Category) ([]byte, error) {
	paths := []string{"/", "/categories/"}
	for _, c := range categories {
		paths = append(paths, "/c/"+c.ID+"/")
	}
	for _, s := range skills {
		paths = append(paths, "/s/"+s.ID+"/")
	}

	set := urlSet{XMLNS: "http://www.sitemaps.org/schemas/sitemap/0.9"}
	for _, p := range paths {
		set.URLs = append(set.URLs, sitemapURL{Loc: siteURL + p, LastMod: lastMod})
	}
	out, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to render sitemap")
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// Robots allows everything and points crawlers at the sitemap.
func Robots(siteURL string) string {
	return "User-agent: *\nAllow: /\nSitemap: " + siteURL + "/sitemap.xml\n"
}
