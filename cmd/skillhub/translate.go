package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/presenter"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/translate"
)

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Refresh the translation cache without building",
	Long: `Translates every skill description that is new or changed since it was last
translated and saves the result to translations.json. Does nothing when
A_OPENAI_API_KEY is not set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		return runTranslate(cmd.Context(), a)
	},
}

func runTranslate(ctx context.Context, a *app) error {
	ctx = logger.WithStage(ctx, "translate")

	engine, cache, err := a.openTranslation(ctx)
	if err != nil {
		return err
	}
	if engine == nil {
		presenter.Warning("Translation is disabled: set A_OPENAI_API_KEY to enable it")
		return nil
	}

	scan, err := a.scanner.Scan(ctx, registry.ScanOptions{CacheDir: a.cacheDir()})
	if err != nil {
		return err
	}
	sources := make([]translate.Source, 0, len(scan.Skills))
	for _, s := range scan.Skills {
		sources = append(sources, translate.Source{ID: s.ID, Text: s.Description})
	}

	_, stats, localizeErr := engine.Localize(ctx, sources)
	if err := cache.Flush(); err != nil {
		return err
	}
	if localizeErr != nil {
		return localizeErr
	}

	presentTranslation(stats)
	presenter.Success("Saved " + cache.Path())
	return nil
}
