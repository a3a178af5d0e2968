package pixcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/pixcache/cache"
	pixhttp "github.com/meigma/pixcache/http"
	"github.com/meigma/pixcache/metrics"
	"github.com/meigma/pixcache/origin"
)

// Option configures a Loader.
type Option func(*Loader) error

// Default cache limits.
const (
	DefaultMaxEntries      = cache.DefaultMaxEntries
	DefaultMemoryCacheSize = 5 << 20   // 5 MB
	DefaultDiskCacheSize   = 100 << 20 // 100 MB
)

// PlaceholderFunc returns a placeholder URL for a request that supplied
// none, or "" when no placeholder is available. It is called only for
// TwoStage requests on a cache miss and must return quickly.
type PlaceholderFunc func(ctx context.Context, req Request, res origin.Resolution) string

// --- Ambient Options ---

// WithLogger sets the logger. Defaults to discarding all output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// WithSink sets the instrumentation sink. Sink calls never affect outcomes;
// a panicking sink is recovered and logged.
func WithSink(sink metrics.Sink) Option {
	return func(l *Loader) error {
		l.sink = sink
		return nil
	}
}

// WithClock sets the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		l.now = now
		return nil
	}
}

// --- Caching Options ---

// WithSubstrate sets the persistent key-value substrate for the cache.
// Pass cache.Disabled{} to turn caching off.
func WithSubstrate(sub cache.Substrate) Option {
	return func(l *Loader) error {
		l.substrate = sub
		return nil
	}
}

// WithCacheDir persists the cache in dir, limited to [DefaultDiskCacheSize]
// unless WithMaxCacheBytes is also given. The directory is opened lazily on
// first use; if it cannot be opened caching is disabled.
func WithCacheDir(dir string) Option {
	return func(l *Loader) error {
		if dir == "" {
			return errors.New("cache dir is empty")
		}
		l.cacheDir = dir
		return nil
	}
}

// WithMaxEntries sets the cache entry ceiling.
func WithMaxEntries(n int) Option {
	return func(l *Loader) error {
		if n <= 0 {
			return errors.New("max entries must be > 0")
		}
		l.maxEntries = n
		return nil
	}
}

// WithMaxCacheBytes sets a ceiling on the summed payload size of cached
// entries. 0 disables it.
func WithMaxCacheBytes(n int64) Option {
	return func(l *Loader) error {
		if n < 0 {
			return errors.New("max cache bytes must be >= 0")
		}
		l.maxBytes = n
		return nil
	}
}

// --- Transport Options ---

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(l *Loader) error {
		if f == nil {
			return errors.New("fetcher is nil")
		}
		l.fetcher = f
		return nil
	}
}

// WithHTTPOptions configures the default HTTP fetcher.
func WithHTTPOptions(opts ...pixhttp.Option) Option {
	return func(l *Loader) error {
		l.httpOpts = append(l.httpOpts, opts...)
		return nil
	}
}

// WithTimeout bounds each load attempt.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) error {
		if d <= 0 {
			return errors.New("timeout must be > 0")
		}
		l.timeout = d
		return nil
	}
}

// WithMaxPixels bounds the decoded size of an image.
func WithMaxPixels(n int64) Option {
	return func(l *Loader) error {
		if n <= 0 {
			return errors.New("max pixels must be > 0")
		}
		l.maxPixels = n
		return nil
	}
}

// --- Cross-Origin Options ---

// WithProxyPrefix routes proxied hosts through prefix (see origin.WithProxyPrefix).
func WithProxyPrefix(prefix string) Option {
	return func(l *Loader) error {
		l.resolverOpts = append(l.resolverOpts, origin.WithProxyPrefix(prefix))
		return nil
	}
}

// WithOriginRules appends host rules to the cross-origin resolver.
func WithOriginRules(rules ...origin.Rule) Option {
	return func(l *Loader) error {
		l.resolverOpts = append(l.resolverOpts, origin.WithRules(rules...))
		return nil
	}
}

// WithDefaultOriginAction sets the action for hosts no rule matches.
func WithDefaultOriginAction(a origin.Action) Option {
	return func(l *Loader) error {
		l.resolverOpts = append(l.resolverOpts, origin.WithDefaultAction(a))
		return nil
	}
}

// --- Rendering Options ---

// WithPlaceholderFunc sets the placeholder source for two-stage requests
// that supply no PlaceholderURL.
func WithPlaceholderFunc(fn PlaceholderFunc) Option {
	return func(l *Loader) error {
		l.placeholder = fn
		return nil
	}
}

// WithDeviceHints picks the quality tier from device hints.
// Defaults to [LocalDeviceHints].
func WithDeviceHints(h DeviceHints) Option {
	return func(l *Loader) error {
		l.tier = Classify(h)
		return nil
	}
}

// WithTier forces the quality tier.
func WithTier(t Tier) Option {
	return func(l *Loader) error {
		if t != TierLow && t != TierHigh {
			return errors.New("unknown tier")
		}
		l.tier = t
		return nil
	}
}

// WithTierPolicy overrides the thresholds of one tier.
func WithTierPolicy(t Tier, p TierPolicy) Option {
	return func(l *Loader) error {
		if p.Quality < 1 || p.Quality > 100 {
			return errors.New("tier quality must be within 1-100")
		}
		if p.MaxPayloadBytes < 0 || p.MaxAge < 0 {
			return errors.New("tier limits must be >= 0")
		}
		switch t {
		case TierLow:
			l.low = p
		case TierHigh:
			l.high = p
		default:
			return errors.New("unknown tier")
		}
		return nil
	}
}

// WithPrefetchConcurrency sets the number of workers used by Prefetch.
// 0 uses GOMAXPROCS.
func WithPrefetchConcurrency(workers int) Option {
	return func(l *Loader) error {
		if workers < 0 {
			return errors.New("prefetch concurrency must be >= 0")
		}
		l.prefetchWorkers = workers
		return nil
	}
}
