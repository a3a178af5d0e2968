// Command pixfetch loads images through a pixcache Loader and prints each
// outcome. It is useful for warming a cache directory and for checking how
// a host origin, proxy prefix and host rules treat a set of image URLs.
//
//	pixfetch -origin https://app.example -cache-dir ~/.cache/pixcache \
//	    -proxy /img?u= -rule '*.cdn.example=proxy' https://cdn.example/a.png
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/pixcache"
	"github.com/meigma/pixcache/cache"
	pixhttp "github.com/meigma/pixcache/http"
	"github.com/meigma/pixcache/metrics"
	"github.com/meigma/pixcache/origin"
)

type config struct {
	origin        string
	cacheDir      string
	proxy         string
	rules         ruleList
	defaultAction string
	tier          string
	twoStage      bool
	placeholder   string
	maxEntries    int
	maxBytes      int64
	timeout       time.Duration
	prefetch      bool
	workers       int
	purge         bool
	clear         bool
	pruneBytes    int64
	stats         bool
	metricsAddr   string
	userAgent     string
	verbose       bool
}

// ruleList collects repeated -rule host=action flags.
type ruleList []origin.Rule

func (r *ruleList) String() string {
	parts := make([]string, len(*r))
	for i, rule := range *r {
		parts[i] = rule.Pattern + "=" + rule.Action.String()
	}
	return strings.Join(parts, ",")
}

func (r *ruleList) Set(v string) error {
	pattern, action, ok := strings.Cut(v, "=")
	if !ok || pattern == "" {
		return fmt.Errorf("rule %q: want host=action", v)
	}
	a, err := origin.ParseAction(action)
	if err != nil {
		return err
	}
	*r = append(*r, origin.Rule{Pattern: pattern, Action: a})
	return nil
}

func main() {
	cfg, urls, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, urls, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "pixfetch: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (config, []string, error) {
	var cfg config
	fs := flag.NewFlagSet("pixfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.origin, "origin", "http://localhost", "host origin the images are displayed from")
	fs.StringVar(&cfg.cacheDir, "cache-dir", "", "persist the cache in this directory (default: in memory)")
	fs.StringVar(&cfg.proxy, "proxy", "", "same-origin proxy prefix for cross-origin images")
	fs.Var(&cfg.rules, "rule", "host rule as pattern=direct|proxy (repeatable)")
	fs.StringVar(&cfg.defaultAction, "default-action", "direct", "action for hosts no rule matches: direct or proxy")
	fs.StringVar(&cfg.tier, "tier", "auto", "quality tier: auto, high or low")
	fs.BoolVar(&cfg.twoStage, "two-stage", false, "show a placeholder before the final image")
	fs.StringVar(&cfg.placeholder, "placeholder", "", "placeholder URL for two-stage loads")
	fs.IntVar(&cfg.maxEntries, "max-entries", pixcache.DefaultMaxEntries, "maximum number of cached images")
	fs.Int64Var(&cfg.maxBytes, "max-bytes", 0, "maximum total size of cached payloads (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per-attempt load timeout")
	fs.BoolVar(&cfg.prefetch, "prefetch", false, "warm the cache without printing each outcome")
	fs.IntVar(&cfg.workers, "workers", 0, "prefetch workers (0 = GOMAXPROCS)")
	fs.BoolVar(&cfg.purge, "purge", false, "remove expired cache entries before loading")
	fs.BoolVar(&cfg.clear, "clear", false, "remove every cache entry before loading")
	fs.Int64Var(&cfg.pruneBytes, "prune-bytes", -1, "shrink the cache directory to this many bytes before loading (-1 = off)")
	fs.BoolVar(&cfg.stats, "stats", false, "print load statistics on exit")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.userAgent, "user-agent", "pixfetch", "User-Agent sent with image requests")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), nil
}

//nolint:gocognit // CLI orchestration
func run(ctx context.Context, cfg config, urls []string, stdout, stderr io.Writer) error {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	recorder := metrics.NewRecorder(0)
	sinks := []metrics.Sink{recorder}
	if cfg.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(reg, "pixcache")
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		sinks = append(sinks, prom)
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	action, err := origin.ParseAction(cfg.defaultAction)
	if err != nil {
		return err
	}
	opts := []pixcache.Option{
		pixcache.WithLogger(logger),
		pixcache.WithSink(metrics.Multi(sinks...)),
		pixcache.WithMaxEntries(cfg.maxEntries),
		pixcache.WithMaxCacheBytes(cfg.maxBytes),
		pixcache.WithTimeout(cfg.timeout),
		pixcache.WithPrefetchConcurrency(cfg.workers),
		pixcache.WithOriginRules(cfg.rules...),
		pixcache.WithDefaultOriginAction(action),
		pixcache.WithHTTPOptions(pixhttp.WithHeader("User-Agent", cfg.userAgent)),
	}
	if cfg.cacheDir != "" {
		opts = append(opts, pixcache.WithCacheDir(cfg.cacheDir))
	}
	if cfg.proxy != "" {
		opts = append(opts, pixcache.WithProxyPrefix(cfg.proxy))
	}
	if cfg.tier != "auto" {
		var t cache.Tier
		if err := t.UnmarshalText([]byte(cfg.tier)); err != nil {
			return err
		}
		opts = append(opts, pixcache.WithTier(t))
	}

	loader, err := pixcache.NewLoader(cfg.origin, opts...)
	if err != nil {
		return err
	}
	defer loader.Close()

	store := loader.Store()
	if cfg.clear {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	} else if cfg.purge {
		policy := pixcache.DefaultHighTierPolicy
		if loader.Tier() == pixcache.TierLow {
			policy = pixcache.DefaultLowTierPolicy
		}
		n, err := store.PurgeExpired(policy.MaxAge)
		if err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
		fmt.Fprintf(stdout, "purged %d expired entries\n", n)
	}
	if cfg.pruneBytes >= 0 {
		freed, remaining, err := loader.PruneCache(cfg.pruneBytes)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "pruned %d bytes, %d remaining\n", freed, remaining)
	}

	reqs := make([]pixcache.Request, len(urls))
	for i, u := range urls {
		reqs[i] = pixcache.Request{
			SourceURL:      u,
			PlaceholderURL: cfg.placeholder,
			TwoStage:       cfg.twoStage,
		}
	}

	var failed int
	if cfg.prefetch {
		n := loader.Prefetch(ctx, reqs...)
		fmt.Fprintf(stdout, "cached %d of %d images\n", n, len(reqs))
	} else {
		for _, req := range reqs {
			var last pixcache.Outcome
			for o := range loader.Stream(ctx, req) {
				fmt.Fprintf(stdout, "%s\t%s%s\n", req.SourceURL, o, cachedSuffix(o))
				last = o
			}
			if last.State == pixcache.StateFailed {
				failed++
			}
		}
	}

	if cfg.stats {
		n, _ := store.Len() //nolint:errcheck // best-effort summary
		var usage string
		if b, ok := loader.SubstrateBytes(); ok {
			usage = fmt.Sprintf(" substrate_bytes=%d", b)
		}
		fmt.Fprintf(stdout, "tier=%s entries=%d%s %s\n", loader.Tier(), n, usage, recorder.Snapshot())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(reqs))
	}
	return nil
}

func cachedSuffix(o pixcache.Outcome) string {
	if o.FromCache {
		return " (cached)"
	}
	return ""
}
