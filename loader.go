package pixcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/pixcache/cache"
	"github.com/meigma/pixcache/cache/disk"
	pixhttp "github.com/meigma/pixcache/http"
	"github.com/meigma/pixcache/internal/fallback"
	"github.com/meigma/pixcache/internal/reencode"
	"github.com/meigma/pixcache/metrics"
	"github.com/meigma/pixcache/origin"
)

// Fetcher retrieves image bytes. *http.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, cors bool) (*pixhttp.Response, error)
}

// Loader is the shared image engine behind every display slot.
//
// A Loader owns the persistent cache and its quota manager, the
// cross-origin resolver and the re-encoder. It is safe for concurrent use;
// create one per host origin and share it.
type Loader struct {
	logger *slog.Logger
	sink   metrics.Sink
	now    func() time.Time

	// Cache
	substrate  cache.Substrate
	cacheDir   string
	maxEntries int
	maxBytes   int64
	cacheOnce  sync.Once
	sub        cache.Substrate // substrate in use, set by cacheOnce
	store      *cache.Store
	quota      *cache.Quota
	closer     func() error

	// Cross-origin and transport
	resolverOpts []origin.Option
	resolver     *origin.Resolver
	fetcher      Fetcher
	httpOpts     []pixhttp.Option
	timeout      time.Duration
	maxPixels    int64
	reencoder    *reencode.Reencoder

	// Rendering
	tier            Tier
	low, high       TierPolicy
	placeholder     PlaceholderFunc
	prefetchWorkers int

	fetchGroup singleflight.Group

	mu        sync.Mutex // guards closed
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// sizer is implemented by substrates that track their own stored size.
type sizer interface {
	SizeBytes() int64
}

// pruner is implemented by substrates that can shrink themselves to a size,
// such as *disk.Substrate.
type pruner interface {
	Prune(targetBytes int64) (freed, remaining int64, err error)
}

// NewLoader creates a Loader for pages served from hostOrigin
// (scheme://host[:port]). Images whose pixels are not readable from
// hostOrigin are displayed but never cached.
func NewLoader(hostOrigin string, opts ...Option) (*Loader, error) {
	l := &Loader{
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		maxEntries: DefaultMaxEntries,
		timeout:    reencode.DefaultTimeout,
		maxPixels:  reencode.DefaultMaxPixels,
		tier:       Classify(LocalDeviceHints()),
		low:        DefaultLowTierPolicy,
		high:       DefaultHighTierPolicy,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	resolver, err := origin.New(hostOrigin, l.resolverOpts...)
	if err != nil {
		return nil, err
	}
	l.resolver = resolver
	l.sink = metrics.Safe(l.sink, l.logger)
	if l.fetcher == nil {
		httpOpts := append([]pixhttp.Option{pixhttp.WithOrigin(resolver.Origin())}, l.httpOpts...)
		l.fetcher = pixhttp.NewFetcher(httpOpts...)
	}
	l.reencoder = reencode.New(l.fetcher, resolver.Origin(),
		reencode.WithTimeout(l.timeout),
		reencode.WithMaxPixels(l.maxPixels),
		reencode.WithLogger(l.logger),
	)
	return l, nil
}

// Tier returns the quality tier in use.
func (l *Loader) Tier() Tier {
	return l.tier
}

// Resolver returns the cross-origin resolver.
func (l *Loader) Resolver() *origin.Resolver {
	return l.resolver
}

// Store returns the persistent cache, opening it on first use.
func (l *Loader) Store() *cache.Store {
	store, _ := l.cache()
	return store
}

// PruneCache shrinks the cache substrate to at most targetBytes, removing
// the least recently written entries first. It returns ErrPruneUnsupported
// when the substrate cannot be pruned, as with the in-memory default.
func (l *Loader) PruneCache(targetBytes int64) (freed, remaining int64, err error) {
	l.cache()
	p, ok := l.sub.(pruner)
	if !ok {
		return 0, 0, ErrPruneUnsupported
	}
	freed, remaining, err = p.Prune(targetBytes)
	if err != nil {
		return freed, remaining, fmt.Errorf("prune cache: %w", err)
	}
	l.logger.Debug("pruned cache",
		slog.Int64("freed", freed),
		slog.Int64("remaining", remaining))
	return freed, remaining, nil
}

// SubstrateBytes returns the bytes held by the cache substrate, including
// encoding overhead. ok is false when the substrate does not track its size.
func (l *Loader) SubstrateBytes() (n int64, ok bool) {
	l.cache()
	sz, ok := l.sub.(sizer)
	if !ok {
		return 0, false
	}
	return sz.SizeBytes(), true
}

// Close waits for in-flight loads to finish and releases the cache
// substrate when the Loader opened it. Loads requested after Close fail
// with ErrClosed. Close is idempotent.
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.inflight.Wait()

		// A cache that was never opened stays disabled.
		l.cacheOnce.Do(func() { l.openCache(cache.Disabled{}) })
		if l.closer != nil {
			l.closeErr = l.closer()
		}
	})
	return l.closeErr
}

// track registers one unit of in-flight work. It reports false once the
// Loader is closed.
func (l *Loader) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.inflight.Add(1)
	return true
}

// goTracked runs fn in a tracked goroutine. It reports false, without
// running fn, once the Loader is closed.
func (l *Loader) goTracked(fn func()) bool {
	if !l.track() {
		return false
	}
	go func() {
		defer l.inflight.Done()
		fn()
	}()
	return true
}

// cache opens the store and quota manager once.
func (l *Loader) cache() (*cache.Store, *cache.Quota) {
	l.cacheOnce.Do(func() { l.openCache(l.openSubstrate()) })
	return l.store, l.quota
}

// openSubstrate picks the configured substrate. Failures to open a cache
// directory degrade to a disabled substrate.
func (l *Loader) openSubstrate() cache.Substrate {
	if l.substrate != nil {
		return l.substrate
	}
	if l.cacheDir == "" {
		return cache.NewMemory(cache.WithMemoryMaxBytes(DefaultMemoryCacheSize))
	}
	limit := l.maxBytes
	if limit == 0 {
		limit = DefaultDiskCacheSize
	}
	d, err := disk.New(l.cacheDir, disk.WithMaxBytes(limit))
	if err != nil {
		l.logger.Warn("cache directory unavailable, caching disabled",
			slog.String("dir", l.cacheDir),
			slog.Any("error", err))
		return cache.Disabled{}
	}
	l.closer = d.Close
	return d
}

func (l *Loader) openCache(sub cache.Substrate) {
	l.sub = sub
	l.store = cache.NewStore(sub, cache.WithClock(l.now), cache.WithStoreLogger(l.logger))
	quota, err := cache.NewQuota(l.store,
		cache.WithMaxEntries(l.maxEntries),
		cache.WithMaxBytes(l.maxBytes),
		cache.WithQuotaExceededHook(l.sink.RecordQuotaExceeded),
		cache.WithQuotaLogger(l.logger),
	)
	if err != nil {
		l.logger.Warn("invalid cache quota, using defaults", slog.Any("error", err))
		quota, _ = cache.NewQuota(l.store, cache.WithQuotaLogger(l.logger)) //nolint:errcheck // defaults are valid
	}
	l.quota = quota
}

func (l *Loader) policy() TierPolicy {
	if l.tier == TierLow {
		return l.low
	}
	return l.high
}

// Stream runs req and returns its outcomes: Loading, optionally
// ShowingPlaceholder, then ShowingFinal or Failed. The channel is closed
// after the terminal outcome, or early without one when ctx ends. On a
// closed Loader the only outcome is Failed with ErrClosed.
func (l *Loader) Stream(ctx context.Context, req Request) <-chan Outcome {
	// Room for every outcome of one request, so the producer never blocks.
	ch := make(chan Outcome, 3)
	emit := func(o Outcome) bool {
		if ctx.Err() != nil {
			return false
		}
		ch <- o
		return true
	}
	started := l.goTracked(func() {
		defer close(ch)
		if emit(Outcome{State: StateLoading}) {
			l.run(ctx, req, emit)
		}
	})
	if !started {
		ch <- Outcome{State: StateFailed, Err: ErrClosed}
		close(ch)
	}
	return ch
}

// Load runs req and returns its terminal outcome. When ctx ends first the
// returned outcome is the last one reached.
func (l *Loader) Load(ctx context.Context, req Request) Outcome {
	var last Outcome
	for o := range l.Stream(ctx, req) {
		last = o
	}
	return last
}

// run performs one request. emit reports whether the request is still
// current; once it returns false no further work is started.
func (l *Loader) run(ctx context.Context, req Request, emit func(Outcome) bool) {
	logger := l.logger.With(
		slog.String("request", uuid.NewString()),
		slog.String("src", req.SourceURL))

	res, err := l.resolver.Resolve(req.SourceURL)
	if err != nil {
		logger.Warn("image source unusable", slog.Any("error", err))
		l.sink.RecordLoadFailure(req.SourceURL)
		emit(Outcome{State: StateFailed, Err: err})
		return
	}

	policy := l.policy()
	maxAge := req.MaxAge
	if maxAge <= 0 {
		maxAge = policy.MaxAge
	}
	key := req.CacheKey
	if key == "" {
		key = KeyFor(res.Original)
	}

	store, _ := l.cache()
	if entry, ok := store.Get(key, maxAge); ok {
		logger.Debug("cache hit", slog.String("key", key))
		emit(Outcome{State: StateShowingFinal, URL: entry.Payload, FromCache: true, Cacheable: true})
		return
	}
	logger.Debug("cache miss", slog.String("key", key))

	if req.TwoStage {
		if ph := l.placeholderFor(ctx, req, res); ph != "" {
			if !emit(Outcome{State: StateShowingPlaceholder, URL: ph}) {
				return
			}
		}
	}

	result, ok := l.fetch(ctx, key, maxAge, res, policy, logger)
	if !ok {
		return
	}
	if errors.Is(result.Err, ErrClosed) {
		emit(Outcome{State: StateFailed, Err: ErrClosed})
		return
	}
	emit(Outcome{
		State:     StateShowingFinal,
		URL:       result.URL,
		FromCache: result.fromCache,
		Cacheable: result.Cacheable,
	})
}

func (l *Loader) placeholderFor(ctx context.Context, req Request, res origin.Resolution) string {
	if req.PlaceholderURL != "" {
		return req.PlaceholderURL
	}
	if l.placeholder == nil {
		return ""
	}
	return l.placeholder(ctx, req, res)
}

// fetchResult is a chain result, or an entry found by the shared run's
// second cache lookup.
type fetchResult struct {
	fallback.Result
	fromCache bool
}

// fetch runs the fallback chain for key, sharing one run among concurrent
// callers. It reports false when ctx ended before the result was ready.
func (l *Loader) fetch(ctx context.Context, key string, maxAge time.Duration, res origin.Resolution, policy TierPolicy, logger *slog.Logger) (fetchResult, bool) {
	ch := l.fetchGroup.DoChan(key, func() (any, error) {
		// Double-check the cache: a concurrent run may have just written it.
		if entry, ok := l.store.Get(key, maxAge); ok {
			return fetchResult{
				Result:    fallback.Result{URL: entry.Payload, Payload: entry.Payload, Cacheable: true},
				fromCache: true,
			}, nil
		}
		// The shared run outlives its callers; Close waits for it.
		if !l.track() {
			return fetchResult{Result: fallback.Result{URL: res.Original, Err: ErrClosed}}, nil
		}
		defer l.inflight.Done()

		chain := fallback.New(l.reencoder, policy.encodePolicy(),
			fallback.WithSink(l.sink),
			fallback.WithLogger(logger))
		// The shared run outlives any single caller; attempts are bounded
		// by the per-attempt timeout.
		result := chain.Run(context.WithoutCancel(ctx), fallback.Plan(res))

		logger.Debug("fallback chain finished",
			slog.String("step", result.Step.String()),
			slog.Int("attempts", result.Attempts),
			slog.Bool("cacheable", result.Cacheable),
			slog.Duration("elapsed", result.Duration))
		if result.Step != fallback.StepOriginalPlain {
			l.sink.RecordSuccess(result.SizeBytes, result.Duration)
		}
		if result.Cacheable {
			l.write(key, result, logger)
		}
		return fetchResult{Result: result}, nil
	})

	select {
	case r := <-ch:
		result, _ := r.Val.(fetchResult) //nolint:errcheck // the shared function never fails
		return result, true
	case <-ctx.Done():
		return fetchResult{}, false
	}
}

func (l *Loader) write(key string, result fallback.Result, logger *slog.Logger) {
	_, quota := l.cache()
	err := quota.Write(cache.Entry{
		Key:       key,
		Payload:   result.Payload,
		SizeBytes: result.SizeBytes,
		Tier:      l.tier,
	})
	if err != nil {
		logger.Debug("image not cached",
			slog.String("key", key),
			slog.Any("error", err))
	}
}

// Prefetch loads and caches every request not already cached. It returns
// the number of requests that ended in a cached or cacheable image.
func (l *Loader) Prefetch(ctx context.Context, reqs ...Request) int {
	if len(reqs) == 0 {
		return 0
	}
	workers := l.prefetchWorkers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, len(reqs)))

	var (
		wg     sync.WaitGroup
		cached atomic.Int64
	)
	for w := range workers {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for i := start; i < len(reqs); i += workers {
				if ctx.Err() != nil {
					return
				}
				req := reqs[i]
				req.TwoStage = false
				o := l.Load(ctx, req)
				if o.State == StateShowingFinal && o.Cacheable {
					cached.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	return int(cached.Load())
}
