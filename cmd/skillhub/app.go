package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/inferera/skills-repo/pkg/config"
	"github.com/inferera/skills-repo/pkg/github"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/remote"
	"github.com/inferera/skills-repo/pkg/sync"
	"github.com/inferera/skills-repo/pkg/translate"
)

// app holds what one command invocation needs: the configuration loaded for
// the chosen root and a scanner over it.
type app struct {
	cfg     *config.Config
	scanner *registry.Scanner
}

func loadApp() (*app, error) {
	root, err := filepath.Abs(viper.GetString("root"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve registry root")
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	schemas, err := manifest.LoadSchemas(cfg.Path(cfg.Build.SchemaDir))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, scanner: registry.NewScanner(root, schemas)}, nil
}

func (a *app) cacheDir() string {
	return a.cfg.Path(a.cfg.Build.CacheDir)
}

func (a *app) resultPath() string {
	return a.cfg.Path(a.cfg.Sync.ResultFile)
}

func (a *app) git() *remote.Git {
	return remote.New(remote.Options{
		RetryAttempts: a.cfg.Sync.Retry.Attempts,
		RetryDelay:    a.cfg.Sync.Retry.Delay,
		CloneTimeout:  a.cfg.Sync.CloneTimeout,
	})
}

// comparer returns the GitHub compare client. Without a token the
// unauthenticated rate limit applies.
func (a *app) comparer(ctx context.Context) (sync.Comparer, error) {
	if a.cfg.GitHub.Token == "" {
		logger.G(ctx).Debug("GITHUB_TOKEN not set, using unauthenticated compare requests")
	}
	client, err := github.NewClient(ctx, a.cfg.GitHub.Token)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) fetcher(git sync.Checkouter) *sync.Fetcher {
	return sync.NewFetcher(git, sync.FetcherOptions{
		Root:     a.cfg.Root,
		CacheDir: a.cacheDir(),
		MaxFiles: a.cfg.Sync.Limits.MaxFiles,
		MaxBytes: a.cfg.Sync.Limits.MaxBytes,
	})
}

// openTranslation loads the translation cache and engine. With no credential
// it returns a nil engine and cache, which callers treat as disabled.
func (a *app) openTranslation(ctx context.Context) (*translate.Engine, *translate.Cache, error) {
	if !a.cfg.TranslationEnabled() {
		logger.G(ctx).Info("translation disabled: A_OPENAI_API_KEY is not set")
		return nil, nil, nil
	}
	cache, err := translate.OpenCache(ctx, a.cfg.TranslationCachePath(), a.cfg.Translation.MaxEntries)
	if err != nil {
		return nil, nil, err
	}
	client := translate.NewClient(translate.ClientConfig{
		APIKey:    a.cfg.Translation.APIKey,
		BaseURL:   a.cfg.Translation.BaseURL,
		Model:     a.cfg.Translation.Model,
		MaxLength: a.cfg.Translation.MaxLength,
		Debug:     a.cfg.Translation.Debug,
	})
	engine := translate.NewEngine(cache, client, translate.Options{
		Locales:      a.cfg.LocaleIDs(),
		SourceLocale: a.cfg.DefaultLocale(),
		Concurrency:  a.cfg.Translation.Concurrency,
		Timeout:      a.cfg.Translation.Timeout,
	})
	logger.G(ctx).WithField("model", client.Model()).WithField("cache", cache.Path()).
		WithField("entries", cache.Len()).Debug("translation enabled")
	return engine, cache, nil
}

// hydrate fetches content for source-bound skills whose cache slot is empty,
// so a build on a fresh checkout has every SKILL.md it needs.
func (a *app) hydrate(ctx context.Context) (*sync.Report, error) {
	ctx = logger.WithStage(ctx, "hydrate")
	scan, err := a.scanner.Scan(ctx, registry.ScanOptions{CacheDir: a.cacheDir()})
	if err != nil {
		return nil, err
	}
	git := a.git()
	candidates := sync.HydrateCandidates(ctx, git, scan.Skills)
	if len(candidates) == 0 {
		return &sync.Report{}, nil
	}
	logger.G(ctx).WithField("skills", len(candidates)).Info("fetching missing upstream content")
	return a.fetcher(git).Fetch(ctx, candidates)
}
