package pixcache

import (
	"errors"

	"github.com/meigma/pixcache/cache"
	"github.com/meigma/pixcache/internal/reencode"
	"github.com/meigma/pixcache/origin"
)

// Errors re-exported from cache. The loader recovers them internally; they
// surface only through logs, Outcome.Err on a failed outcome, and direct use
// of the cache package.
var (
	// ErrStorageUnavailable is returned when the cache substrate is disabled.
	ErrStorageUnavailable = cache.ErrStorageUnavailable

	// ErrStorageQuotaExceeded is returned when the substrate has no room for a write.
	ErrStorageQuotaExceeded = cache.ErrQuotaExceeded
)

// Errors re-exported from the re-encoder.
var (
	// ErrCrossOriginTaint is returned when decoded pixels are not readable
	// from the host origin.
	ErrCrossOriginTaint = reencode.ErrTainted

	// ErrNetworkLoadFailure is returned when an image fetch fails or times out.
	ErrNetworkLoadFailure = reencode.ErrNetwork

	// ErrDecodeFailure is returned when an image cannot be decoded.
	ErrDecodeFailure = reencode.ErrDecode

	// ErrPayloadTooLarge is returned when a re-encoded image exceeds the
	// tier's payload ceiling.
	ErrPayloadTooLarge = reencode.ErrPayloadTooLarge
)

// ErrInvalidURL is returned for source URLs that cannot be displayed.
var ErrInvalidURL = origin.ErrInvalidURL

var (
	// ErrClosed is reported for loads requested after Loader.Close.
	ErrClosed = errors.New("pixcache: loader closed")

	// ErrPruneUnsupported is returned by Loader.PruneCache when the cache
	// substrate cannot be pruned by size.
	ErrPruneUnsupported = errors.New("pixcache: cache substrate does not support pruning")
)
