// Package config loads the registry configuration from config/registry.yaml
// and the environment. Every Load builds its own viper instance so callers
// and tests never share mutable state.
package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/net/http/httpguts"

	"github.com/inferera/skills-repo/pkg/fsutil"
	"github.com/inferera/skills-repo/pkg/registry"
	"github.com/inferera/skills-repo/pkg/sync"
	"github.com/inferera/skills-repo/pkg/translate"
)

const (
	// FileName is the config file path relative to the registry root.
	FileName = "config/registry.yaml"
	// EnvPrefix prefixes environment overrides for any key, e.g.
	// SKILLHUB_SYNC_CONCURRENCY.
	EnvPrefix = "SKILLHUB"

	DefaultCacheDir  = ".cache/skills"
	DefaultPublicDir = "site/public"
	DefaultSchedule  = "0 20 * * *"
)

// Locale is one entry of the locales list.
type Locale struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Default bool   `mapstructure:"default"`
}

type Limits struct {
	MaxFiles int   `mapstructure:"maxFiles"`
	MaxBytes int64 `mapstructure:"maxBytes"`
}

type Retry struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// SyncConfig drives change detection and fetching.
type SyncConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	Schedule     string        `mapstructure:"schedule"`
	Limits       Limits        `mapstructure:"limits"`
	ResultFile   string        `mapstructure:"resultFile"`
	Retry        Retry         `mapstructure:"retry"`
	CloneTimeout time.Duration `mapstructure:"cloneTimeout"`
}

// BuildConfig drives the registry assembly.
type BuildConfig struct {
	CacheDir     string `mapstructure:"cacheDir"`
	FetchOnBuild bool   `mapstructure:"fetchOnBuild"`
	OutputDir    string `mapstructure:"outputDir"`
	PublicDir    string `mapstructure:"publicDir"`
	SchemaDir    string `mapstructure:"schemaDir"`
}

// TranslationConfig drives the translation engine. An empty APIKey disables
// translation.
type TranslationConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxLength   int           `mapstructure:"maxLength"`
	MaxEntries  int           `mapstructure:"maxEntries"`
	CacheDir    string        `mapstructure:"cacheDir"`
	APIKey      string        `mapstructure:"apiKey"`
	BaseURL     string        `mapstructure:"baseURL"`
	Model       string        `mapstructure:"model"`
	Debug       bool          `mapstructure:"debug"`
}

type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

type SiteConfig struct {
	URL string `mapstructure:"url"`
}

// Config is the decoded registry configuration.
type Config struct {
	Root        string            `mapstructure:"-"`
	Locales     []Locale          `mapstructure:"locales"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Build       BuildConfig       `mapstructure:"build"`
	Translation TranslationConfig `mapstructure:"translation"`
	GitHub      GitHubConfig      `mapstructure:"github"`
	Site        SiteConfig        `mapstructure:"site"`
	// CI holds $CI or $VERCEL; any value other than a false boolean counts.
	CI string `mapstructure:"ci"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.concurrency", sync.DefaultConcurrency)
	v.SetDefault("sync.schedule", DefaultSchedule)
	v.SetDefault("sync.limits.maxFiles", sync.DefaultMaxFiles)
	v.SetDefault("sync.limits.maxBytes", sync.DefaultMaxBytes)
	v.SetDefault("sync.resultFile", sync.DefaultResultFile)
	v.SetDefault("sync.retry.attempts", 2)
	v.SetDefault("sync.retry.delay", "1s")
	v.SetDefault("sync.cloneTimeout", "0s")

	v.SetDefault("build.cacheDir", DefaultCacheDir)
	v.SetDefault("build.fetchOnBuild", true)
	v.SetDefault("build.outputDir", registry.DefaultOutputDir)
	v.SetDefault("build.publicDir", DefaultPublicDir)
	v.SetDefault("build.schemaDir", "")

	v.SetDefault("translation.concurrency", translate.DefaultConcurrency)
	v.SetDefault("translation.timeout", translate.DefaultTimeout.String())
	v.SetDefault("translation.maxLength", translate.DefaultMaxLength)
	v.SetDefault("translation.maxEntries", translate.DefaultMaxEntries)
	v.SetDefault("translation.cacheDir", "")
	v.SetDefault("translation.apiKey", "")
	v.SetDefault("translation.baseURL", translate.DefaultBaseURL)
	v.SetDefault("translation.model", translate.DefaultModel)
	v.SetDefault("translation.debug", false)

	v.SetDefault("github.token", "")
	v.SetDefault("site.url", "")
	v.SetDefault("ci", "")
}

// envAliases binds the conventional variable names alongside the prefixed
// ones. The prefixed form wins when both are set.
var envAliases = map[string][]string{
	"translation.apiKey":      {"A_OPENAI_API_KEY"},
	"translation.baseURL":     {"A_OPENAI_BASE_URL"},
	"translation.model":       {"A_OPENAI_MODEL"},
	"translation.concurrency": {"A_OPENAI_CONCURRENCY"},
	"translation.debug":       {"A_OPENAI_DEBUG"},
	"github.token":            {"GITHUB_TOKEN"},
	"site.url":                {"SITE_URL"},
	"ci":                      {"CI", "VERCEL"},
}

// Load reads root/config/registry.yaml when present, applies environment
// overrides and returns the decoded configuration.
func Load(root string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, errors.Wrapf(err, "failed to bind environment for %s", key)
		}
	}

	file := filepath.Join(root, filepath.FromSlash(FileName))
	if fsutil.Exists(file) {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", FileName)
		}
	}

	cfg := &Config{Root: root}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	cfg.Root = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a run cannot start without.
func (c *Config) Validate() error {
	if err := validCredential("translation.apiKey", c.Translation.APIKey); err != nil {
		return err
	}
	if err := validCredential("github.token", c.GitHub.Token); err != nil {
		return err
	}
	if c.Sync.Concurrency < 1 {
		return errors.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Translation.Concurrency < 1 {
		return errors.Errorf("translation.concurrency must be positive, got %d", c.Translation.Concurrency)
	}
	if c.Sync.Limits.MaxFiles < 0 || c.Sync.Limits.MaxBytes < 0 {
		return errors.New("sync.limits must not be negative")
	}
	if c.Sync.CloneTimeout < 0 || c.Translation.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	seen := map[string]bool{}
	for _, l := range c.Locales {
		if strings.TrimSpace(l.ID) == "" {
			return errors.New("locales entries need an id")
		}
		if seen[l.ID] {
			return errors.Errorf("duplicate locale: %s", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// validCredential accepts an empty value, which disables the feature, and
// otherwise requires something that can travel in an Authorization header.
func validCredential(key, value string) error {
	if value == "" {
		return nil
	}
	if strings.TrimSpace(value) != value || !httpguts.ValidHeaderFieldValue("Bearer "+value) {
		return errors.Errorf("%s is not a valid credential: contains whitespace or control characters", key)
	}
	return nil
}

// LocaleIDs lists the configured locales, falling back to the built-in set.
func (c *Config) LocaleIDs() []string {
	if len(c.Locales) == 0 {
		return append([]string(nil), translate.DefaultLocales...)
	}
	ids := make([]string, 0, len(c.Locales))
	for _, l := range c.Locales {
		ids = append(ids, l.ID)
	}
	return ids
}

// DefaultLocale is the locale flagged default, else "en".
func (c *Config) DefaultLocale() string {
	for _, l := range c.Locales {
		if l.Default {
			return l.ID
		}
	}
	return translate.DefaultSourceLocale
}

// Path resolves a root-relative path.
func (c *Config) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Root, filepath.FromSlash(rel))
}

// TranslationCacheDir picks where translations.json lives: the explicit
// setting, else the user cache directory under CI, else the build cache.
func (c *Config) TranslationCacheDir() string {
	if c.Translation.CacheDir != "" {
		return c.Path(c.Translation.CacheDir)
	}
	if c.InCI() {
		return filepath.Join(xdg.CacheHome, "skillhub", "translations")
	}
	return c.Path(c.Build.CacheDir)
}

// InCI reports whether the run happens on a CI or hosted build machine.
func (c *Config) InCI() bool {
	if c.CI == "" {
		return false
	}
	on, err := strconv.ParseBool(c.CI)
	return err != nil || on
}

// TranslationCachePath is the full path of translations.json.
func (c *Config) TranslationCachePath() string {
	return filepath.Join(c.TranslationCacheDir(), translate.CacheFileName)
}

// TranslationEnabled reports whether a credential is configured.
func (c *Config) TranslationEnabled() bool {
	return c.Translation.APIKey != ""
}
