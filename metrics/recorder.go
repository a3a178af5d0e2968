package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultRelativeAccuracy is the quantile accuracy used by [NewRecorder]
// when a non-positive accuracy is given.
const DefaultRelativeAccuracy = 0.01

// Recorder is an in-process Sink that keeps event counters and load latency
// quantiles. Latencies are tracked with a DDSketch so memory stays bounded
// regardless of how many loads are observed.
type Recorder struct {
	attempts      atomic.Int64
	successes     atomic.Int64
	taints        atomic.Int64
	quotaExceeded atomic.Int64
	failures      atomic.Int64
	payloadBytes  atomic.Int64

	mu               sync.Mutex
	latency          *ddsketch.DDSketch
	relativeAccuracy float64
}

var _ Sink = (*Recorder)(nil)

// NewRecorder creates a Recorder.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy).
func NewRecorder(relativeAccuracy float64) *Recorder {
	if relativeAccuracy <= 0 || relativeAccuracy >= 1 {
		relativeAccuracy = DefaultRelativeAccuracy
	}
	return &Recorder{relativeAccuracy: relativeAccuracy}
}

// RecordAttempt implements Sink.
func (r *Recorder) RecordAttempt() {
	r.attempts.Add(1)
}

// RecordSuccess implements Sink.
func (r *Recorder) RecordSuccess(sizeBytes int64, d time.Duration) {
	r.successes.Add(1)
	if sizeBytes > 0 {
		r.payloadBytes.Add(sizeBytes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latency == nil {
		sketch, err := ddsketch.LogUnboundedDenseDDSketch(r.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(r.relativeAccuracy) //nolint:errcheck // accuracy already validated
		}
		r.latency = sketch
	}
	// Milliseconds, with microsecond resolution.
	_ = r.latency.Add(float64(d.Microseconds()) / 1000.0) //nolint:errcheck // negative durations are dropped
}

// RecordTaint implements Sink.
func (r *Recorder) RecordTaint(string) {
	r.taints.Add(1)
}

// RecordQuotaExceeded implements Sink.
func (r *Recorder) RecordQuotaExceeded() {
	r.quotaExceeded.Add(1)
}

// RecordLoadFailure implements Sink.
func (r *Recorder) RecordLoadFailure(string) {
	r.failures.Add(1)
}

// Stats is a point-in-time view of a Recorder.
type Stats struct {
	Attempts      int64
	Successes     int64
	Taints        int64
	QuotaExceeded int64
	Failures      int64
	PayloadBytes  int64

	// Latency quantiles in milliseconds; zero when no success was recorded.
	P50 float64
	P90 float64
	P99 float64
	Max float64
}

// Snapshot returns the current counters and latency quantiles.
func (r *Recorder) Snapshot() Stats {
	s := Stats{
		Attempts:      r.attempts.Load(),
		Successes:     r.successes.Load(),
		Taints:        r.taints.Load(),
		QuotaExceeded: r.quotaExceeded.Load(),
		Failures:      r.failures.Load(),
		PayloadBytes:  r.payloadBytes.Load(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latency == nil || r.latency.IsEmpty() {
		return s
	}
	s.P50, _ = r.latency.GetValueAtQuantile(0.50)
	s.P90, _ = r.latency.GetValueAtQuantile(0.90)
	s.P99, _ = r.latency.GetValueAtQuantile(0.99)
	s.Max, _ = r.latency.GetMaxValue()
	return s
}

// String formats the stats on a single line.
func (s Stats) String() string {
	if s.Successes == 0 {
		return fmt.Sprintf("attempts=%d successes=0 taints=%d quota_exceeded=%d failures=%d",
			s.Attempts, s.Taints, s.QuotaExceeded, s.Failures)
	}
	return fmt.Sprintf("attempts=%d successes=%d taints=%d quota_exceeded=%d failures=%d payload_bytes=%d p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Attempts, s.Successes, s.Taints, s.QuotaExceeded, s.Failures, s.PayloadBytes, s.P50, s.P90, s.P99, s.Max)
}
