// Package pixcache fetches, caches and progressively displays remote images
// for clients that are short on bandwidth and storage and that must respect
// cross-origin restrictions.
//
// A [Loader] is the shared engine. For each request it consults a bounded
// persistent cache, and on a miss resolves how the image may be fetched
// (directly or through a proxy), loads it through an ordered fallback
// chain, re-encodes readable pixels into a compact data URL and caches the
// result within a quota. Cross-origin images whose pixels cannot be read
// are still displayed; they are just never cached.
//
// A [Slot] represents one place on screen. Showing a new request on a slot
// supersedes the previous one: late results of superseded requests are
// dropped, so the observer only sees outcomes for what the slot currently
// displays.
//
// # Quick Start
//
//	l, err := pixcache.NewLoader("https://app.example",
//	    pixcache.WithCacheDir("/var/cache/pixcache"),
//	    pixcache.WithProxyPrefix("/img?u="),
//	)
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
//
//	slot := l.NewSlot(func(o pixcache.Outcome) {
//	    render(o.State, o.URL)
//	})
//	slot.Show(ctx, pixcache.Request{
//	    SourceURL:      "https://cdn.example/thumb/42.jpg",
//	    PlaceholderURL: "https://cdn.example/thumb/42-tiny.jpg",
//	    TwoStage:       true,
//	})
//
// Or consume one request as a stream:
//
//	for o := range l.Stream(ctx, pixcache.Request{SourceURL: src}) {
//	    fmt.Println(o)
//	}
//
// # Caching
//
// Without WithSubstrate or WithCacheDir the cache lives in memory with a
// 5 MB budget. Pass cache.Disabled{} to WithSubstrate to turn caching off;
// images are then always fetched and displayed uncached.
//
// # Quality Tiers
//
// Encoding quality, payload ceilings and entry lifetimes come from a
// [TierPolicy] selected by device class (see [Classify]). Override them with
// WithTierPolicy.
package pixcache
