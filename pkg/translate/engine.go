// Package translate localizes skill descriptions through an external
// translation provider, backed by a versioned on-disk cache so unchanged
// descriptions are never translated twice.
package translate

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/telemetry"
	"github.com/inferera/skills-repo/pkg/workpool"
)

const (
	// DefaultConcurrency is the number of translation requests in flight.
	DefaultConcurrency = 10
	// DefaultTimeout bounds a single translation request.
	DefaultTimeout = 30 * time.Second
	// DefaultSourceLocale is the locale that always mirrors the manifest text.
	DefaultSourceLocale = "en"
)

// Source is one text to localize, keyed by skill id.
type Source struct {
	ID   string
	Text string
}

// Stats counts what a Localize call did.
type Stats struct {
	Requested  int `json:"requested"`
	Cached     int `json:"cached"`
	Translated int `json:"translated"`
	Failed     int `json:"failed"`
}

// Options tunes the engine.
type Options struct {
	Locales      []string
	SourceLocale string
	Concurrency  int
	Timeout      time.Duration
}

// Engine localizes texts using a Translator and a Cache.
type Engine struct {
	cache      *Cache
	translator Translator
	opts       Options
	now        func() time.Time
}

// NewEngine creates an engine. A nil translator turns Localize into a no-op.
func NewEngine(cache *Cache, translator Translator, opts Options) *Engine {
	if c, ok := translator.(*Client); ok && c == nil {
		translator = nil
	}
	if len(opts.Locales) == 0 {
		opts.Locales = DefaultLocales
	}
	if opts.SourceLocale == "" {
		opts.SourceLocale = DefaultSourceLocale
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{cache: cache, translator: translator, opts: opts, now: time.Now}
}

// Enabled reports whether a translator is configured.
func (e *Engine) Enabled() bool {
	return e != nil && e.translator != nil && e.cache != nil
}

// Locales returns the target locale set.
func (e *Engine) Locales() []string {
	return e.opts.Locales
}

// Localize returns a locale map per source id for every source with a
// translation matching its current text. Sources without one are absent from
// the result and should be rendered as plain text. Individual request
// failures are counted in Stats and never returned.
func (e *Engine) Localize(ctx context.Context, sources []Source) (map[string]map[string]string, Stats, error) {
	out := map[string]map[string]string{}
	var stats Stats
	if !e.Enabled() {
		return out, stats, nil
	}

	err := telemetry.WithSpan(ctx, "translate.run", func(ctx context.Context) error {
		var pending []Source
		for _, src := range sources {
			if strings.TrimSpace(src.Text) == "" {
				continue
			}
			if e.cache.Fresh(src.ID, src.Text, e.opts.Locales) {
				stats.Cached++
				continue
			}
			pending = append(pending, src)
		}
		stats.Requested = len(pending)

		if len(pending) > 0 {
			logger.G(ctx).WithField("pending", len(pending)).WithField("cached", stats.Cached).
				Info("translating skill descriptions")
			res := workpool.Run(ctx, e.opts.Concurrency, pending, e.translateOne)
			stats.Translated = res.Completed
			stats.Failed = res.Failed
		}

		for _, src := range sources {
			entry, ok := e.cache.Get(src.ID)
			if !ok || !entry.Matches(src.Text) {
				continue
			}
			// Only configured locales are emitted, even if the cache holds more.
			localized := make(map[string]string, len(e.opts.Locales)+1)
			for _, locale := range e.opts.Locales {
				if text, ok := entry.Translations[locale]; ok {
					localized[locale] = text
				}
			}
			localized[e.opts.SourceLocale] = src.Text
			out[src.ID] = localized
		}

		telemetry.SetAttributes(ctx,
			attribute.Int("translate.requested", stats.Requested),
			attribute.Int("translate.cached", stats.Cached),
			attribute.Int("translate.failed", stats.Failed),
		)
		return ctx.Err()
	})
	return out, stats, err
}

func (e *Engine) translateOne(ctx context.Context, src Source) error {
	log := logger.G(ctx).WithField(logger.FieldSkill, src.ID)

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	translations, err := e.translator.Translate(callCtx, src.Text, e.opts.Locales)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(err, "timed out after %s", e.opts.Timeout)
		}
		log.WithError(err).Warn("failed to translate description, keeping previous cache entry")
		return errors.Wrapf(err, "skill %s", src.ID)
	}

	translations[e.opts.SourceLocale] = src.Text
	e.cache.Merge(src.ID, src.Text, translations, e.now())
	log.WithField("locales", len(translations)).Debug("translated description")
	return nil
}
