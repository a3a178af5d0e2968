package pixcache

import (
	"runtime"
	"strings"
	"time"

	"github.com/meigma/pixcache/cache"
	"github.com/meigma/pixcache/internal/reencode"
)

// Tier re-exports the cache quality tier.
type Tier = cache.Tier

// Quality tiers.
const (
	TierHigh = cache.TierHigh
	TierLow  = cache.TierLow
)

// TierPolicy holds the encoding and retention thresholds for one tier.
type TierPolicy struct {
	// Quality is the lossy encoding quality, 1-100.
	Quality int
	// MaxPayloadBytes bounds a cached payload. Larger images are displayed
	// from their URL without caching. 0 disables the bound.
	MaxPayloadBytes int64
	// MaxAge is the default entry lifetime for requests that set none.
	MaxAge time.Duration
}

// Default tier thresholds. These are starting points; tune them with
// WithTierPolicy against real device and network telemetry.
var (
	DefaultLowTierPolicy = TierPolicy{
		Quality:         60,
		MaxPayloadBytes: 100 << 10,
		MaxAge:          7 * 24 * time.Hour,
	}
	DefaultHighTierPolicy = TierPolicy{
		Quality:         85,
		MaxPayloadBytes: 300 << 10,
		MaxAge:          24 * time.Hour,
	}
)

func (p TierPolicy) encodePolicy() reencode.Policy {
	return reencode.Policy{Quality: p.Quality, MaxPayloadBytes: p.MaxPayloadBytes}
}

// DeviceHints describes the capabilities used to pick a tier. Zero fields
// are unknown and do not influence the result.
type DeviceHints struct {
	CPUs     int
	MemoryMB int
	// SaveData reports that the user asked for reduced data usage.
	SaveData bool
	// EffectiveType is the effective connection type: "slow-2g", "2g",
	// "3g" or "4g".
	EffectiveType string
}

// Constrained-device thresholds for Classify.
const (
	ConstrainedCPUs     = 4
	ConstrainedMemoryMB = 4096
)

// LocalDeviceHints returns hints for the current process.
func LocalDeviceHints() DeviceHints {
	return DeviceHints{CPUs: runtime.NumCPU()}
}

// Classify picks TierLow for constrained devices or connections and
// TierHigh otherwise.
func Classify(h DeviceHints) Tier {
	switch strings.ToLower(h.EffectiveType) {
	case "slow-2g", "2g", "3g":
		return TierLow
	}
	if h.SaveData {
		return TierLow
	}
	if h.CPUs > 0 && h.CPUs <= ConstrainedCPUs {
		return TierLow
	}
	if h.MemoryMB > 0 && h.MemoryMB <= ConstrainedMemoryMB {
		return TierLow
	}
	return TierHigh
}
