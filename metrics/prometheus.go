package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Sink that exports load events as Prometheus metrics.
type Prometheus struct {
	attempts      prometheus.Counter
	successes     *prometheus.CounterVec
	taints        prometheus.Counter
	quotaExceeded prometheus.Counter
	failures      prometheus.Counter
	payloadBytes  prometheus.Counter
	duration      prometheus.Histogram
}

var _ Sink = (*Prometheus)(nil)

// NewPrometheus creates a Prometheus sink and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_fetch_attempts_total",
			Help:      "Number of image fetch attempts.",
		}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_loads_total",
			Help:      "Number of image loads that produced a displayable result.",
		}, []string{"reencoded"}),
		taints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_taints_total",
			Help:      "Number of fetched images that could not be read back due to cross-origin protection.",
		}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_quota_exceeded_total",
			Help:      "Number of cache writes that ran out of space.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_load_failures_total",
			Help:      "Number of loads that produced no displayable URL.",
		}),
		payloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_payload_bytes_total",
			Help:      "Total size of re-encoded payloads.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_load_duration_seconds",
			Help:      "Time from fetch start to displayable result.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{
		p.attempts, p.successes, p.taints, p.quotaExceeded, p.failures, p.payloadBytes, p.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RecordAttempt implements Sink.
func (p *Prometheus) RecordAttempt() {
	p.attempts.Inc()
}

// RecordSuccess implements Sink.
func (p *Prometheus) RecordSuccess(sizeBytes int64, d time.Duration) {
	reencoded := "false"
	if sizeBytes > 0 {
		reencoded = "true"
		p.payloadBytes.Add(float64(sizeBytes))
	}
	p.successes.WithLabelValues(reencoded).Inc()
	p.duration.Observe(d.Seconds())
}

// RecordTaint implements Sink.
func (p *Prometheus) RecordTaint(string) {
	p.taints.Inc()
}

// RecordQuotaExceeded implements Sink.
func (p *Prometheus) RecordQuotaExceeded() {
	p.quotaExceeded.Inc()
}

// RecordLoadFailure implements Sink.
func (p *Prometheus) RecordLoadFailure(string) {
	p.failures.Inc()
}
