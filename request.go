package pixcache

import (
	"time"

	digest "github.com/opencontainers/go-digest"
)

// Request asks for one image to be displayed.
type Request struct {
	// SourceURL is the image to display. Relative URLs resolve against the
	// host origin.
	SourceURL string
	// PlaceholderURL is shown first when TwoStage is set.
	PlaceholderURL string
	// CacheKey overrides the key derived from the source URL.
	CacheKey string
	// MaxAge bounds the age of a cached entry; 0 uses the tier default.
	MaxAge time.Duration
	// TwoStage shows a placeholder before the final image when one is
	// available.
	TwoStage bool
}

// KeyFor derives the cache key for an absolute source URL.
func KeyFor(sourceURL string) string {
	return digest.FromString(sourceURL).Encoded()
}
