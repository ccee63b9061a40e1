package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/presenter"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/skills"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every skill manifest and category file",
	Long: `Scans skills/ and checks every manifest against the schema, the directory
layout and the other manifests. Skills bound to an upstream repository are
accepted without content; they are listed as needing a sync.

With --watch the tree is validated again whenever a manifest, category file
or SKILL.md changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return runValidate(ctx, a)
		}
		debounce, _ := cmd.Flags().GetInt("debounce")
		if debounce < 0 {
			return errors.Errorf("debounce time cannot be negative: %d", debounce)
		}
		return watchRegistry(ctx, a, time.Duration(debounce)*time.Millisecond)
	},
}

func init() {
	validateCmd.Flags().Bool("watch", false, "Validate again whenever the skills tree changes")
	validateCmd.Flags().IntP("debounce", "d", 300, "Debounce time in milliseconds for file change events")
}

// validation is the outcome of one validation pass.
type validation struct {
	skills    int
	needsSync []string
	problems  []string
}

func validateRegistry(ctx context.Context, a *app) (*validation, error) {
	scan, err := a.scanner.Scan(ctx, registry.ScanOptions{CacheDir: a.cacheDir()})
	if err != nil {
		return nil, err
	}
	_, categoryProblems, err := a.scanner.AggregateCategories(scan.Skills)
	if err != nil {
		return nil, err
	}

	v := &validation{
		skills:   len(scan.Skills),
		problems: append(append([]string{}, scan.Errors...), categoryProblems...),
	}
	for _, s := range scan.Skills {
		if s.NeedsSync {
			v.needsSync = append(v.needsSync, s.ID)
		}
	}
	return v, nil
}

func runValidate(ctx context.Context, a *app) error {
	v, err := validateRegistry(ctx, a)
	if err != nil {
		return err
	}
	if len(v.needsSync) > 0 {
		presenter.Warning(fmt.Sprintf("%d skills have no fetched content yet (run `skillhub sync fetch` or `skillhub build`)", len(v.needsSync)))
		presenter.List(v.needsSync)
	}
	if len(v.problems) > 0 {
		presenter.Problems("Registry validation failed", v.problems)
		return &exitError{msg: "registry validation failed"}
	}
	presenter.Success(fmt.Sprintf("Registry is valid: %d skills", v.skills))
	return nil
}

// watchedNames are the files whose changes can alter a validation result.
var watchedNames = map[string]bool{
	manifest.FileName:         true,
	manifest.LegacyFileName:   true,
	manifest.CategoryFileName: true,
	skills.FileName:           true,
}

// relevantEvent reports whether ev should trigger a new validation pass.
// Removals and renames always count since a whole skill may have gone.
func relevantEvent(ev fsnotify.Event) bool {
	if fsutil.Ignored(filepath.Base(ev.Name)) {
		return false
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	if watchedNames[filepath.Base(ev.Name)] {
		return true
	}
	info, err := os.Lstat(ev.Name)
	return err == nil && info.IsDir()
}

func watchRegistry(ctx context.Context, a *app, delay time.Duration) error {
	log := logger.G(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	skillsDir := filepath.Join(a.cfg.Root, "skills")
	if err := addTree(ctx, watcher, skillsDir); err != nil {
		return errors.Wrap(err, "failed to watch skills directory")
	}

	if err := runValidate(ctx, a); err != nil && !isExitError(err) {
		return err
	}

	changes := make(chan struct{}, 1)
	go debounce(ctx, changes, delay, func() {
		presenter.Separator()
		if err := runValidate(ctx, a); err != nil && !isExitError(err) {
			presenter.Error(err, "Validation failed")
		}
	})

	presenter.Info("Watching skills/ for changes... Press Ctrl+C to stop")
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			log.WithField(logger.FieldPath, ev.Name).WithField("operation", ev.Op.String()).Debug("change detected")
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(ctx, watcher, ev.Name); err != nil {
						log.WithError(err).WithField(logger.FieldPath, ev.Name).Warn("failed to watch new directory")
					}
				}
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Error("error watching files")
		case <-ctx.Done():
			return nil
		}
	}
}

// addTree watches dir and every directory below it that is not ignored.
func addTree(ctx context.Context, watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && fsutil.Ignored(d.Name()) {
			return filepath.SkipDir
		}
		logger.G(ctx).WithField(logger.FieldPath, path).Trace("adding directory to watcher")
		return watcher.Add(path)
	})
}

// debounce calls fn once input has been quiet for delay.
func debounce(ctx context.Context, input <-chan struct{}, delay time.Duration, fn func()) {
	timer := time.NewTimer(delay)
	timer.Stop()
	for {
		select {
		case <-input:
			timer.Reset(delay)
		case <-timer.C:
			fn()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func isExitError(err error) bool {
	var e *exitError
	return errors.As(err, &e)
}
