package pixcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/pixcache/cache"
	"github.com/meigma/pixcache/internal/testutil"
	"github.com/meigma/pixcache/metrics"
	"github.com/meigma/pixcache/origin"
)

const hostOrigin = "https://app.example"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	loader  *Loader
	fetcher *testutil.FakeFetcher
	rec     *metrics.Recorder
	clock   *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		fetcher: testutil.NewFakeFetcher(),
		rec:     metrics.NewRecorder(0),
		clock:   &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	base := []Option{
		WithFetcher(env.fetcher),
		WithSink(env.rec),
		WithClock(env.clock.Now),
		WithTier(TierHigh),
		WithTimeout(2 * time.Second),
	}
	l, err := NewLoader(hostOrigin, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	env.loader = l
	return env
}

func collect(t *testing.T, ch <-chan Outcome) []Outcome {
	t.Helper()
	var out []Outcome
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatalf("stream did not finish; got %v", out)
			return out
		}
	}
}

func states(outcomes []Outcome) []State {
	s := make([]State, len(outcomes))
	for i, o := range outcomes {
		s[i] = o.State
	}
	return s
}

func storeLen(t *testing.T, l *Loader) int {
	t.Helper()
	n, err := l.Store().Len()
	require.NoError(t, err)
	return n
}

func TestColdSameOriginIsCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://app.example/thumbs/1.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(16, 16)})

	out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: src}))
	require.Equal(t, []State{StateLoading, StateShowingFinal}, states(out))
	final := out[1]
	assert.True(t, strings.HasPrefix(final.URL, "data:image/jpeg;base64,"), final.URL)
	assert.False(t, final.FromCache)

	entry, ok := env.loader.Store().Get(KeyFor(src), 0)
	require.True(t, ok, "entry should be written")
	assert.Equal(t, final.URL, entry.Payload)
	assert.Equal(t, TierHigh, entry.Tier)

	stats := env.rec.Snapshot()
	assert.Equal(t, int64(1), stats.Attempts)
	assert.Equal(t, int64(1), stats.Successes)
}

func TestCrossOriginTaintIsNotCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://cdn.example/a.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(8, 8)})

	out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: src}))
	require.Equal(t, []State{StateLoading, StateShowingFinal}, states(out))
	assert.Equal(t, src, out[1].URL)
	assert.Zero(t, storeLen(t, env.loader), "taint must prevent caching")
	assert.Equal(t, int64(1), env.rec.Snapshot().Taints)
	assert.Equal(t, []testutil.Call{{URL: src, CORS: true}}, env.fetcher.Calls())
}

func TestCrossOriginWithGrantIsCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://cdn.example/granted.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(8, 8), AllowOrigin: "*"})

	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.True(t, strings.HasPrefix(o.URL, "data:"))
	assert.Equal(t, 1, storeLen(t, env.loader))
}

func TestWarmCacheSkipsNetwork(t *testing.T) {
	t.Parallel()

	const maxAge = 10 * time.Minute
	env := newTestEnv(t)
	src := "https://app.example/warm.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})
	req := Request{SourceURL: src, MaxAge: maxAge}

	first := env.loader.Load(context.Background(), req)
	require.Equal(t, StateShowingFinal, first.State)
	fetches := env.fetcher.CallCount()

	env.clock.Advance(maxAge - time.Millisecond)
	out := collect(t, env.loader.Stream(context.Background(), req))
	require.Equal(t, []State{StateLoading, StateShowingFinal}, states(out))
	assert.True(t, out[1].FromCache)
	assert.Equal(t, first.URL, out[1].URL, "cached payload must round-trip unchanged")
	assert.Equal(t, fetches, env.fetcher.CallCount(), "warm hit must not fetch")

	env.clock.Advance(2 * time.Millisecond)
	expired := env.loader.Load(context.Background(), req)
	assert.False(t, expired.FromCache)
	assert.Greater(t, env.fetcher.CallCount(), fetches, "expired entry must be refetched")
}

func TestTwoStageShowsPlaceholder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://app.example/full.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(8, 8)})

	out := collect(t, env.loader.Stream(context.Background(), Request{
		SourceURL:      src,
		PlaceholderURL: "https://app.example/tiny.png",
		TwoStage:       true,
	}))
	require.Equal(t, []State{StateLoading, StateShowingPlaceholder, StateShowingFinal}, states(out))
	assert.Equal(t, "https://app.example/tiny.png", out[1].URL)
	assert.True(t, strings.HasPrefix(out[2].URL, "data:"))
}

func TestTwoStagePlaceholderFunc(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithPlaceholderFunc(func(_ context.Context, _ Request, res origin.Resolution) string {
		return res.Original + "?w=16"
	}))
	src := "https://app.example/p.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(8, 8)})

	out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: src, TwoStage: true}))
	require.Equal(t, []State{StateLoading, StateShowingPlaceholder, StateShowingFinal}, states(out))
	assert.Equal(t, src+"?w=16", out[1].URL)

	// Without two-stage the placeholder is never consulted.
	out = collect(t, env.loader.Stream(context.Background(), Request{SourceURL: "https://app.example/q.png"}))
	assert.NotContains(t, states(out), StateShowingPlaceholder)
}

// quotaSubstrate rejects writes with ErrQuotaExceeded.
type quotaSubstrate struct {
	*cache.Memory
	rejections atomic.Int32
	alwaysFull atomic.Bool
}

func (s *quotaSubstrate) Set(key string, value []byte) error {
	if s.alwaysFull.Load() || s.rejections.Add(-1) >= 0 {
		return fmt.Errorf("set %s: %w", key, cache.ErrQuotaExceeded)
	}
	return s.Memory.Set(key, value)
}

func TestQuotaExceededDisplayIsUnaffected(t *testing.T) {
	t.Parallel()

	t.Run("retry succeeds", func(t *testing.T) {
		t.Parallel()

		sub := &quotaSubstrate{Memory: cache.NewMemory()}
		env := newTestEnv(t, WithSubstrate(sub))
		old := "https://app.example/old.png"
		src := "https://app.example/new.png"
		env.fetcher.Serve(old, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})
		env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

		require.Equal(t, StateShowingFinal, env.loader.Load(context.Background(), Request{SourceURL: old}).State)
		env.clock.Advance(time.Second)

		sub.rejections.Store(1)
		o := env.loader.Load(context.Background(), Request{SourceURL: src})
		assert.Equal(t, StateShowingFinal, o.State)
		_, ok := env.loader.Store().Get(KeyFor(src), 0)
		assert.True(t, ok, "entry should be present after eviction and retry")
		_, ok = env.loader.Store().Get(KeyFor(old), 0)
		assert.False(t, ok, "oldest entry should be evicted")
		assert.Equal(t, int64(1), env.rec.Snapshot().QuotaExceeded)
	})

	t.Run("permanently skipped", func(t *testing.T) {
		t.Parallel()

		sub := &quotaSubstrate{Memory: cache.NewMemory()}
		sub.alwaysFull.Store(true)
		env := newTestEnv(t, WithSubstrate(sub))
		src := "https://app.example/huge.png"
		env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

		o := env.loader.Load(context.Background(), Request{SourceURL: src})
		assert.Equal(t, StateShowingFinal, o.State)
		assert.Nil(t, o.Err)
		assert.Zero(t, storeLen(t, env.loader))
		assert.Equal(t, int64(1), env.rec.Snapshot().QuotaExceeded)
	})
}

func TestDisabledSubstrate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithSubstrate(cache.Disabled{}))
	src := "https://app.example/d.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

	for range 2 {
		out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: src}))
		require.Equal(t, []State{StateLoading, StateShowingFinal}, states(out))
		assert.True(t, strings.HasPrefix(out[1].URL, "data:"))
		assert.False(t, out[1].FromCache)
	}
	assert.Equal(t, 2, env.fetcher.CallCount(), "disabled cache fetches every time")
}

func TestInvalidSourceFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: "javascript:alert(1)"}))
	require.Equal(t, []State{StateLoading, StateFailed}, states(out))
	assert.ErrorIs(t, out[1].Err, ErrInvalidURL)
	assert.Equal(t, int64(1), env.rec.Snapshot().Failures)
	assert.Zero(t, env.fetcher.CallCount())
}

func TestNetworkFailureStillDisplaysOriginal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://app.example/missing.png"

	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.Equal(t, src, o.URL)
	assert.Equal(t, int64(1), env.rec.Snapshot().Failures)
}

func TestProxiedSourceIsCached(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		WithProxyPrefix("/img?u="),
		WithDefaultOriginAction(origin.ActionProxy),
	)
	src := "https://cdn.example/p.png"
	proxied := env.loader.Resolver().Rewrite(src)
	env.fetcher.Serve(proxied, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.True(t, strings.HasPrefix(o.URL, "data:"))
	assert.Equal(t, []testutil.Call{{URL: proxied, CORS: true}}, env.fetcher.Calls())

	// The proxied form maps to the same cache entry as the original.
	again := env.loader.Load(context.Background(), Request{SourceURL: proxied})
	assert.True(t, again.FromCache)
}

func TestCacheKeyOverride(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.Serve("https://app.example/v1.png", testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

	env.loader.Load(context.Background(), Request{SourceURL: "https://app.example/v1.png", CacheKey: "avatar-7"})
	o := env.loader.Load(context.Background(), Request{SourceURL: "https://app.example/v2.png", CacheKey: "avatar-7"})
	assert.True(t, o.FromCache)
}

func TestConcurrentLoadsShareOneFetch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://app.example/shared.png"
	gate := make(chan struct{})
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4), Gate: gate})

	var wg sync.WaitGroup
	results := make([]Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.loader.Load(context.Background(), Request{SourceURL: src})
		}(i)
	}
	require.Eventually(t, func() bool { return env.fetcher.CallCount() == 1 }, 5*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, env.fetcher.CallCount())
	for _, o := range results {
		assert.Equal(t, StateShowingFinal, o.State)
		assert.Equal(t, results[0].URL, o.URL)
	}
}

func TestMaxEntriesHolds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithMaxEntries(3))
	for i := range 10 {
		src := fmt.Sprintf("https://app.example/%d.png", i)
		env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(2, 2)})
		require.Equal(t, StateShowingFinal, env.loader.Load(context.Background(), Request{SourceURL: src}).State)
		env.clock.Advance(time.Second)
		assert.LessOrEqual(t, storeLen(t, env.loader), 3)
	}
}

func TestPrefetch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithPrefetchConcurrency(2))
	var reqs []Request
	for i := range 4 {
		src := fmt.Sprintf("https://app.example/pre-%d.png", i)
		env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(2, 2)})
		reqs = append(reqs, Request{SourceURL: src})
	}
	reqs = append(reqs, Request{SourceURL: "https://cdn.example/tainted.png"})
	env.fetcher.Serve("https://cdn.example/tainted.png", testutil.FakeResponse{Body: testutil.OpaquePNG(2, 2)})

	assert.Equal(t, 4, env.loader.Prefetch(context.Background(), reqs...))
	assert.Equal(t, 4, storeLen(t, env.loader))
	assert.Zero(t, env.loader.Prefetch(context.Background()))
}

func TestCacheDirPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := "https://app.example/persist.png"

	first := newTestEnv(t, WithCacheDir(dir))
	first.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})
	o := first.loader.Load(context.Background(), Request{SourceURL: src})
	require.True(t, strings.HasPrefix(o.URL, "data:"))
	require.NoError(t, first.loader.Close())

	second := newTestEnv(t, WithCacheDir(dir))
	again := second.loader.Load(context.Background(), Request{SourceURL: src})
	assert.True(t, again.FromCache)
	assert.Equal(t, o.URL, again.URL)
	assert.Zero(t, second.fetcher.CallCount())
}

type panickySink struct{ metrics.Nop }

func (panickySink) RecordAttempt() { panic("sink exploded") }

func TestPanickingSinkDoesNotAffectOutcome(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithSink(panickySink{}))
	src := "https://app.example/s.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(2, 2)})

	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.True(t, strings.HasPrefix(o.URL, "data:"))
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{name: "zero max entries", opt: WithMaxEntries(0)},
		{name: "negative cache bytes", opt: WithMaxCacheBytes(-1)},
		{name: "empty cache dir", opt: WithCacheDir("")},
		{name: "nil fetcher", opt: WithFetcher(nil)},
		{name: "zero timeout", opt: WithTimeout(0)},
		{name: "bad quality", opt: WithTierPolicy(TierLow, TierPolicy{Quality: 0})},
		{name: "unknown tier", opt: WithTier(Tier(9))},
		{name: "nil clock", opt: WithClock(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewLoader(hostOrigin, tt.opt)
			assert.Error(t, err)
		})
	}

	_, err := NewLoader("not an origin")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestTierPolicyApplies(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		WithTier(TierLow),
		WithTierPolicy(TierLow, TierPolicy{Quality: 40, MaxPayloadBytes: 32, MaxAge: time.Hour}),
	)
	src := "https://app.example/big.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(32, 32)})

	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.Equal(t, src, o.URL, "payload over the tier ceiling is displayed uncached")
	assert.Zero(t, storeLen(t, env.loader))
	assert.Equal(t, TierLow, env.loader.Tier())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		hints DeviceHints
		want  Tier
	}{
		{name: "unknown", hints: DeviceHints{}, want: TierHigh},
		{name: "fast device", hints: DeviceHints{CPUs: 8, MemoryMB: 8192, EffectiveType: "4g"}, want: TierHigh},
		{name: "few cpus", hints: DeviceHints{CPUs: 4}, want: TierLow},
		{name: "low memory", hints: DeviceHints{CPUs: 8, MemoryMB: 2048}, want: TierLow},
		{name: "save data", hints: DeviceHints{CPUs: 16, SaveData: true}, want: TierLow},
		{name: "slow network", hints: DeviceHints{CPUs: 16, EffectiveType: "3G"}, want: TierLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.hints))
		})
	}
}

// missOnceSubstrate reports one miss after being armed, as if another
// caller wrote the entry between two lookups.
type missOnceSubstrate struct {
	*cache.Memory
	armed atomic.Bool
}

func (s *missOnceSubstrate) Get(key string) ([]byte, bool, error) {
	if s.armed.CompareAndSwap(true, false) {
		return nil, false, nil
	}
	return s.Memory.Get(key)
}

func TestSharedRunCacheHitIsFromCache(t *testing.T) {
	t.Parallel()

	sub := &missOnceSubstrate{Memory: cache.NewMemory()}
	env := newTestEnv(t, WithSubstrate(sub))
	src := "https://app.example/race.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4)})

	first := env.loader.Load(context.Background(), Request{SourceURL: src})
	require.True(t, first.Cacheable)
	require.False(t, first.FromCache)

	sub.armed.Store(true)
	o := env.loader.Load(context.Background(), Request{SourceURL: src})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.True(t, o.FromCache, "entry found by the shared run's lookup came from the cache")
	assert.True(t, o.Cacheable)
	assert.Equal(t, first.URL, o.URL)
	assert.Equal(t, 1, env.fetcher.CallCount())
}

func TestPrefetchCountsOnlyCacheableResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	src := "https://app.example/ok.png"
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(2, 2)})

	n := env.loader.Prefetch(context.Background(),
		Request{SourceURL: "data:text/plain,hello"},
		Request{SourceURL: src},
	)
	assert.Equal(t, 1, n, "an undecodable data URL is displayed but not cached")
	assert.Equal(t, 1, storeLen(t, env.loader))

	o := env.loader.Load(context.Background(), Request{SourceURL: "data:text/plain,hello"})
	assert.Equal(t, StateShowingFinal, o.State)
	assert.False(t, o.Cacheable)
}

func TestCloseBeforeFirstUse(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cache")
	env := newTestEnv(t, WithCacheDir(dir))
	require.NoError(t, env.loader.Close())
	require.NoError(t, env.loader.Close())

	assert.False(t, env.loader.Store().Available())
	_, err := os.Stat(dir)
	assert.ErrorIs(t, err, os.ErrNotExist, "closed loader must not open its cache directory")

	out := collect(t, env.loader.Stream(context.Background(), Request{SourceURL: "https://app.example/x.png"}))
	require.Len(t, out, 1)
	assert.Equal(t, StateFailed, out[0].State)
	assert.ErrorIs(t, out[0].Err, ErrClosed)
	assert.Zero(t, env.fetcher.CallCount())
}

func TestConcurrentStoreAndClose(t *testing.T) {
	t.Parallel()

	for range 20 {
		env := newTestEnv(t, WithCacheDir(t.TempDir()))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotNil(t, env.loader.Store())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, env.loader.Close())
		}()
		wg.Wait()
		assert.NotNil(t, env.loader.Store())
	}
}

func TestCloseWaitsForInFlightLoads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithCacheDir(t.TempDir()))
	src := "https://app.example/inflight.png"
	gate := make(chan struct{})
	env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(4, 4), Gate: gate})

	stream := env.loader.Stream(context.Background(), Request{SourceURL: src})
	require.Eventually(t, func() bool { return env.fetcher.CallCount() == 1 }, 5*time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, env.loader.Close())
		close(closed)
	}()
	isClosed := func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}
	assert.Never(t, isClosed, 50*time.Millisecond, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, isClosed, 5*time.Second, time.Millisecond)
	out := collect(t, stream)
	require.Equal(t, []State{StateLoading, StateShowingFinal}, states(out))
	assert.True(t, out[1].Cacheable)
}

func TestPruneCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, WithCacheDir(t.TempDir()))
	for i := range 3 {
		src := fmt.Sprintf("https://app.example/prune-%d.png", i)
		env.fetcher.Serve(src, testutil.FakeResponse{Body: testutil.OpaquePNG(8, 8)})
		require.True(t, env.loader.Load(context.Background(), Request{SourceURL: src}).Cacheable)
	}
	before, ok := env.loader.SubstrateBytes()
	require.True(t, ok)
	require.Positive(t, before)

	freed, remaining, err := env.loader.PruneCache(0)
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.Zero(t, remaining)
	assert.Zero(t, storeLen(t, env.loader))
	after, _ := env.loader.SubstrateBytes()
	assert.Zero(t, after)

	mem := newTestEnv(t)
	_, _, err = mem.loader.PruneCache(0)
	assert.ErrorIs(t, err, ErrPruneUnsupported)
}
