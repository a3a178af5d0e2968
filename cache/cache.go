// Package cache provides the persistent image cache.
//
// A [Store] is a bounded key to [Entry] store with age-based expiry, built on
// a capacity-limited key-value [Substrate]. A [Quota] keeps the store within
// an entry-count (and optional byte) ceiling, evicting the oldest entries
// first and retrying a write exactly once when the substrate runs out of
// space.
//
// The substrate may be unavailable (for example when the host runtime
// disables persistent storage). In that case every lookup misses and every
// write is skipped; callers observe no other behavioral change.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrStorageUnavailable is returned when the substrate cannot be used.
	ErrStorageUnavailable = errors.New("cache: storage unavailable")

	// ErrQuotaExceeded is returned when a write does not fit in the substrate.
	ErrQuotaExceeded = errors.New("cache: storage quota exceeded")

	// ErrStorage is returned for substrate failures other than quota.
	ErrStorage = errors.New("cache: storage error")

	// ErrEntryTooLarge is returned when an entry cannot fit even in an empty
	// cache. The key is not retried for the lifetime of the Quota.
	ErrEntryTooLarge = errors.New("cache: entry larger than cache budget")

	// ErrCacheSkipped is returned when a write was abandoned after the
	// eviction-and-retry cycle.
	ErrCacheSkipped = errors.New("cache: write skipped")

	// ErrInvalidEntry is returned for entries that cannot be stored.
	ErrInvalidEntry = errors.New("cache: invalid entry")
)

// Tier is the encoding quality class an entry was produced with.
type Tier int

const (
	// TierHigh is used on unconstrained devices.
	TierHigh Tier = iota
	// TierLow is used on constrained devices and networks.
	TierLow
)

// String returns "high" or "low".
func (t Tier) String() string {
	if t == TierLow {
		return "low"
	}
	return "high"
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "high", "":
		*t = TierHigh
	case "low":
		*t = TierLow
	default:
		return fmt.Errorf("unknown tier %q", text)
	}
	return nil
}

// Entry is a cached, re-encoded image.
//
// Entries are immutable once written; a newer write for the same key
// replaces the previous entry as a whole.
type Entry struct {
	// Key identifies the entry within the store.
	Key string `json:"key"`

	// Payload is the re-encoded image as a data URL.
	Payload string `json:"payload"`

	// CreatedAt is the write time, used for expiry and eviction order.
	CreatedAt time.Time `json:"createdAt"`

	// SizeBytes approximates the payload size for quota accounting.
	SizeBytes int64 `json:"size"`

	// Tier is the quality tier the payload was encoded with.
	Tier Tier `json:"tier"`
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Substrate is the capacity-limited key-value storage underneath a Store.
//
// Implementations must be safe for concurrent use. Set must replace the
// previous value for a key atomically: a reader never observes a partially
// written value.
type Substrate interface {
	// Available reports whether the substrate can store anything at all.
	Available() bool

	// Get returns the value for key. Missing keys return ok == false and a
	// nil error.
	Get(key string) (value []byte, ok bool, err error)

	// Set stores value under key. Implementations return an error wrapping
	// ErrQuotaExceeded when the write does not fit.
	Set(key string, value []byte) error

	// Remove deletes key. Missing keys are a no-op.
	Remove(key string) error

	// Keys returns every stored key in no particular order.
	Keys() ([]string, error)
}
