package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/presenter"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Detect and fetch upstream changes for externally sourced skills",
}

var syncCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Detect skills whose upstream content changed",
	Long: `Probes every tracked upstream repository for its current tip and, for
repositories that moved, asks which files changed under each skill's path.
The skills to fetch are written to the detection record (.sync-result.json by
default), which is replaced even when nothing changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		only, _ := cmd.Flags().GetString("only")
		return runSyncCheck(cmd.Context(), a, only)
	},
}

var syncFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the skills listed in the detection record",
	Long: `Reads the detection record written by "sync check", clones each upstream
repository once per commit, copies every listed skill into the cache and
stamps the fetched commit into its manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		return runSyncFetch(cmd.Context(), a)
	},
}

func init() {
	syncCheckCmd.Flags().String("only", "", "Only check skills whose id matches this glob")

	syncCmd.AddCommand(withTracing(syncCheckCmd))
	syncCmd.AddCommand(withTracing(syncFetchCmd))
}

func runSyncCheck(ctx context.Context, a *app, only string) error {
	ctx = logger.WithStage(ctx, "sync-check")

	scan, err := a.scanner.Scan(ctx, registry.ScanOptions{CacheDir: a.cacheDir()})
	if err != nil {
		return err
	}
	if len(scan.Errors) > 0 {
		logger.G(ctx).WithField("errors", len(scan.Errors)).Warn("registry has validation problems, checking the valid skills only")
	}

	comparer, err := a.comparer(ctx)
	if err != nil {
		return err
	}
	detector, err := sync.NewDetector(a.git(), comparer, sync.DetectorOptions{
		Concurrency: a.cfg.Sync.Concurrency,
		Only:        only,
	})
	if err != nil {
		return err
	}
	result, err := detector.Detect(ctx, scan.Skills)
	if err != nil {
		return err
	}
	if err := sync.WriteResult(a.resultPath(), result); err != nil {
		return err
	}

	for _, pair := range result.Unresolved {
		presenter.Warning("could not resolve " + pair)
	}
	if len(result.Skills) == 0 {
		presenter.Success("All tracked skills are up to date")
		return nil
	}
	presenter.Section(fmt.Sprintf("%d skills need a fetch", len(result.Skills)))
	items := make([]string, 0, len(result.Skills))
	for _, c := range result.Skills {
		items = append(items, fmt.Sprintf("%s (%s, %s)", c.ID, c.Reason, shortCommit(c.LatestCommit)))
	}
	presenter.List(items)
	presenter.Info("Run `skillhub sync fetch` to apply.")
	return nil
}

func runSyncFetch(ctx context.Context, a *app) error {
	ctx = logger.WithStage(ctx, "sync-fetch")

	result, err := sync.ReadResult(a.resultPath())
	if errors.Is(err, sync.ErrNoResult) {
		presenter.Warning("No detection record found. Run `skillhub sync check` first.")
		return nil
	}
	if err != nil {
		return err
	}
	if len(result.Skills) == 0 {
		presenter.Success("Nothing to fetch")
		return nil
	}

	report, err := a.fetcher(a.git()).Fetch(ctx, result.Skills)
	if err != nil {
		return err
	}
	return presentFetch(report)
}

// presentFetch prints a fetch report and fails when any skill failed.
func presentFetch(report *sync.Report) error {
	presenter.Stats("Fetch",
		presenter.Stat{Label: "Repositories", Value: report.Groups},
		presenter.Stat{Label: "Synced", Value: len(report.Synced)},
		presenter.Stat{Label: "Failed", Value: len(report.Failed)},
	)
	if len(report.Failed) == 0 {
		return nil
	}
	problems := make([]string, 0, len(report.Failed))
	for _, f := range report.Failed {
		problems = append(problems, f.ID+": "+f.Reason)
	}
	presenter.Problems("Some skills could not be fetched", problems)
	return &exitError{msg: "fetch failed"}
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
