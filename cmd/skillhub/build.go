package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/presenter"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/translate"
)

// BuildConfig holds configuration for the build command
type BuildConfig struct {
	Advisory    bool
	NoTranslate bool
	NoFetch     bool
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the registry artifacts",
	Long: `Fetches missing upstream content, validates the whole tree, translates skill
descriptions and writes index.json, categories.json and search-index.json.
The artifacts are mirrored into the site's public directory, together with
sitemap.xml and robots.txt when SITE_URL is set.

Any validation problem fails the build unless --advisory is given, in which
case the valid skills are written anyway.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		return runBuild(cmd.Context(), a, getBuildConfigFromFlags(cmd))
	},
}

func init() {
	buildCmd.Flags().Bool("advisory", false, "Write partial output instead of failing on validation problems")
	buildCmd.Flags().Bool("no-translate", false, "Skip translation even when a credential is configured")
	buildCmd.Flags().Bool("no-fetch", false, "Do not fetch missing upstream content before building")
}

func getBuildConfigFromFlags(cmd *cobra.Command) BuildConfig {
	var config BuildConfig
	config.Advisory, _ = cmd.Flags().GetBool("advisory")
	config.NoTranslate, _ = cmd.Flags().GetBool("no-translate")
	config.NoFetch, _ = cmd.Flags().GetBool("no-fetch")
	return config
}

func runBuild(ctx context.Context, a *app, config BuildConfig) error {
	if a.cfg.Build.FetchOnBuild && !config.NoFetch {
		report, err := a.hydrate(ctx)
		if err != nil {
			return err
		}
		if len(report.Synced) > 0 || len(report.Failed) > 0 {
			if err := presentFetch(report); err != nil && !config.Advisory {
				return err
			}
		}
	}

	var localizer registry.Localizer
	var cache *translate.Cache
	if !config.NoTranslate {
		engine, c, err := a.openTranslation(ctx)
		if err != nil {
			return err
		}
		if engine != nil {
			localizer, cache = engine, c
		}
	}

	builder := registry.NewBuilder(a.scanner, localizer, registry.BuildOptions{
		OutputDir: a.cfg.Build.OutputDir,
		PublicDir: a.cfg.Build.PublicDir,
		SiteURL:   a.cfg.Site.URL,
		CacheDir:  a.cacheDir(),
		Advisory:  config.Advisory,
	})
	report, buildErr := builder.Build(ctx)

	if cache != nil {
		if err := cache.Flush(); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to save translation cache")
		}
	}

	if report != nil && len(report.Errors) > 0 {
		title := "Registry validation failed"
		if config.Advisory {
			title = "Registry has problems (advisory build)"
		}
		presenter.Problems(title, report.Errors)
	}
	if buildErr != nil {
		var verr *registry.ValidationError
		if errors.As(buildErr, &verr) {
			return &exitError{msg: "registry validation failed"}
		}
		return buildErr
	}

	if localizer != nil {
		presentTranslation(report.Translation)
	}
	presenter.Success(fmt.Sprintf("Built registry: %d skills in %d categories (%d files written)",
		report.Skills, report.Categories, len(report.Written)))
	return nil
}

func presentTranslation(stats translate.Stats) {
	presenter.Stats("Translation",
		presenter.Stat{Label: "Requested", Value: stats.Requested},
		presenter.Stat{Label: "Cached", Value: stats.Cached},
		presenter.Stat{Label: "Translated", Value: stats.Translated},
		presenter.Stat{Label: "Failed", Value: stats.Failed},
	)
}
