package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferera/skills-repo/pkg/config"
	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/manifest"
	"github.com/inferera/skills-repo/pkg/presenter"
	"github.com/inferera/skills-repo/pkg/registry"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func addSkill(t *testing.T, root, category, id string) {
	t.Helper()
	dir := "skills/" + category + "/" + id + "/"
	writeFile(t, root, dir+manifest.FileName,
		"id: "+id+"\ncategory: "+category+"\ntitle: "+registry.HumanizeSlug(id)+"\ndescription: Does "+id+" things.\n")
	writeFile(t, root, dir+"SKILL.md", "# "+id+"\n\nUse it.\n")
}

func newTestApp(t *testing.T, root string) *app {
	t.Helper()
	t.Setenv("A_OPENAI_API_KEY", "")
	t.Setenv("SITE_URL", "")
	cfg, err := config.Load(root)
	require.NoError(t, err)
	return &app{cfg: cfg, scanner: registry.NewScanner(root, manifest.MustDefaultSchemas())}
}

func TestValidateRegistry(t *testing.T) {
	root := t.TempDir()
	addSkill(t, root, "tools", "hammer")
	writeFile(t, root, "skills/tools/remote/"+manifest.FileName,
		"id: remote\ncategory: tools\ntitle: Remote\ndescription: Mirrored.\nsource:\n  repo: https://github.com/acme/skills\n  path: remote\n  ref: main\n")
	writeFile(t, root, "skills/tools/broken/"+manifest.FileName, "id: [oops\n")

	v, err := validateRegistry(context.Background(), newTestApp(t, root))
	require.NoError(t, err)
	assert.Equal(t, 2, v.skills)
	assert.Equal(t, []string{"remote"}, v.needsSync)
	require.Len(t, v.problems, 1)
	assert.Contains(t, v.problems[0], "skills/tools/broken/.x_skill.yaml")
}

func TestRunValidate(t *testing.T) {
	root := t.TempDir()
	addSkill(t, root, "tools", "hammer")
	a := newTestApp(t, root)
	require.NoError(t, runValidate(context.Background(), a))

	writeFile(t, root, "skills/tools/other/"+manifest.FileName, "id: hammer\ncategory: tools\ntitle: X\ndescription: Y\n")
	err := runValidate(context.Background(), a)
	require.Error(t, err)
	assert.True(t, isExitError(err))
}

func TestRelevantEvent(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "new-skill")
	require.NoError(t, os.Mkdir(sub, 0o755))

	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"manifest write", fsnotify.Event{Name: filepath.Join(dir, manifest.FileName), Op: fsnotify.Write}, true},
		{"legacy manifest", fsnotify.Event{Name: filepath.Join(dir, manifest.LegacyFileName), Op: fsnotify.Create}, true},
		{"category file", fsnotify.Event{Name: filepath.Join(dir, manifest.CategoryFileName), Op: fsnotify.Write}, true},
		{"skill doc", fsnotify.Event{Name: filepath.Join(dir, "SKILL.md"), Op: fsnotify.Write}, true},
		{"new directory", fsnotify.Event{Name: sub, Op: fsnotify.Create}, true},
		{"asset write", fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Write}, false},
		{"chmod", fsnotify.Event{Name: filepath.Join(dir, manifest.FileName), Op: fsnotify.Chmod}, false},
		{"removal", fsnotify.Event{Name: filepath.Join(dir, "anything"), Op: fsnotify.Remove}, true},
		{"ignored directory", fsnotify.Event{Name: filepath.Join(dir, "node_modules"), Op: fsnotify.Remove}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevantEvent(tt.ev))
		})
	}
}

func TestDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	input := make(chan struct{})
	go debounce(ctx, input, 50*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		input <- struct{}{}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunBuild(t *testing.T) {
	root := t.TempDir()
	addSkill(t, root, "tools", "hammer")
	a := newTestApp(t, root)

	require.NoError(t, runBuild(context.Background(), a, BuildConfig{NoFetch: true}))
	assert.FileExists(t, filepath.Join(root, "registry", registry.IndexFile))
	assert.FileExists(t, filepath.Join(root, "site", "public", "registry", registry.IndexFile))
	assert.NoFileExists(t, filepath.Join(root, "site", "public", "sitemap.xml"))
}

func TestRunBuild_StrictAndAdvisory(t *testing.T) {
	root := t.TempDir()
	addSkill(t, root, "tools", "hammer")
	writeFile(t, root, "skills/tools/broken/"+manifest.FileName, "id: [oops\n")
	a := newTestApp(t, root)

	err := runBuild(context.Background(), a, BuildConfig{NoFetch: true})
	require.Error(t, err)
	assert.True(t, isExitError(err))
	assert.NoFileExists(t, filepath.Join(root, "registry", registry.IndexFile))

	require.NoError(t, runBuild(context.Background(), a, BuildConfig{NoFetch: true, Advisory: true}))
	assert.FileExists(t, filepath.Join(root, "registry", registry.IndexFile))
}

func TestRunSyncFetch_NoRecord(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	assert.NoError(t, runSyncFetch(context.Background(), a))
}

func TestRunTranslate_Disabled(t *testing.T) {
	root := t.TempDir()
	addSkill(t, root, "tools", "hammer")
	a := newTestApp(t, root)

	require.NoError(t, runTranslate(context.Background(), a))
	assert.NoFileExists(t, a.cfg.TranslationCachePath())
}

func TestGetBuildConfigFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Bool("advisory", false, "")
	cmd.Flags().Bool("no-translate", false, "")
	cmd.Flags().Bool("no-fetch", false, "")
	require.NoError(t, cmd.Flags().Set("advisory", "true"))
	require.NoError(t, cmd.Flags().Set("no-fetch", "true"))

	assert.Equal(t, BuildConfig{Advisory: true, NoFetch: true}, getBuildConfigFromFlags(cmd))
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortCommit("0123456789abcdef0123"))
	assert.Equal(t, "abc", shortCommit("abc"))
}

func TestConfigureOutput(t *testing.T) {
	t.Cleanup(func() {
		viper.Set("quiet", false)
		viper.Set("log_level", "info")
		presenter.SetQuiet(false)
		require.NoError(t, logger.SetLogLevel("info"))
	})
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().String("log-level", "info", "")
		return cmd
	}
	viper.Set("log_format", "fmt")

	viper.Set("quiet", true)
	viper.Set("log_level", "info")
	require.NoError(t, configureOutput(newCmd()))
	assert.True(t, presenter.IsQuiet())
	assert.Equal(t, logrus.WarnLevel, logger.L.Logger.GetLevel())

	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	viper.Set("log_level", "debug")
	require.NoError(t, configureOutput(cmd))
	assert.Equal(t, logrus.DebugLevel, logger.L.Logger.GetLevel())

	viper.Set("quiet", false)
	viper.Set("log_level", "info")
	require.NoError(t, configureOutput(newCmd()))
	assert.False(t, presenter.IsQuiet())
	assert.Equal(t, logrus.InfoLevel, logger.L.Logger.GetLevel())
}
