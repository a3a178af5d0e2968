// Package fallback runs the ordered load attempts for one image until a
// displayable URL is found.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meigma/pixcache/internal/reencode"
	"github.com/meigma/pixcache/metrics"
	"github.com/meigma/pixcache/origin"
)

// MaxAttempts bounds the length of any plan.
const MaxAttempts = 4

// Step identifies an attempt strategy.
type Step int

const (
	// StepRewrittenCORS loads the proxied URL in CORS mode.
	StepRewrittenCORS Step = iota + 1
	// StepRewrittenPlain loads the proxied URL without CORS; display only.
	StepRewrittenPlain
	// StepOriginalCORS loads the original URL in CORS mode.
	StepOriginalCORS
	// StepOriginalPlain displays the original URL without loading it.
	StepOriginalPlain
)

func (s Step) String() string {
	switch s {
	case StepRewrittenCORS:
		return "rewritten-cors"
	case StepRewrittenPlain:
		return "rewritten-plain"
	case StepOriginalCORS:
		return "original-cors"
	case StepOriginalPlain:
		return "original-plain"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Attempt describes one load strategy.
type Attempt struct {
	Step Step
	URL  string
	CORS bool
	// Cacheable reports whether a clean re-encode may be written to the
	// cache.
	Cacheable bool
	// Terminal attempts are always displayable and perform no fetch.
	Terminal bool
}

// Plan returns the attempts for a resolved URL in order. The proxied steps
// are present only when the resolver rewrote the URL; the plan always ends
// with the terminal step.
func Plan(res origin.Resolution) []Attempt {
	attempts := make([]Attempt, 0, MaxAttempts)
	if res.Rewritten {
		attempts = append(attempts,
			Attempt{Step: StepRewrittenCORS, URL: res.EffectiveURL, CORS: true, Cacheable: true},
			Attempt{Step: StepRewrittenPlain, URL: res.EffectiveURL},
		)
	}
	return append(attempts,
		Attempt{Step: StepOriginalCORS, URL: res.Original, CORS: true, Cacheable: true},
		Attempt{Step: StepOriginalPlain, URL: res.Original, Terminal: true},
	)
}

// Reencoder performs one attempt.
type Reencoder interface {
	Reencode(ctx context.Context, url string, cors bool, policy reencode.Policy) (reencode.Result, error)
}

// Result is the outcome of a chain run.
type Result struct {
	// Step is the attempt that produced URL.
	Step Step
	// URL is the displayable URL: the data URL payload for cacheable
	// successes, otherwise the attempt URL.
	URL string
	// Payload is the re-encoded data URL when Cacheable.
	Payload   string
	SizeBytes int64
	Cacheable bool
	// Attempts counts the attempts consumed, terminal included.
	Attempts int
	// Err is the last attempt error, if any.
	Err      error
	Duration time.Duration
}

// Chain consumes a plan one attempt at a time.
type Chain struct {
	reencoder Reencoder
	policy    reencode.Policy
	sink      metrics.Sink
	logger    *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithSink sets the instrumentation sink.
func WithSink(sink metrics.Sink) Option {
	return func(c *Chain) {
		c.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Chain that re-encodes under policy.
func New(r Reencoder, policy reencode.Policy, opts ...Option) *Chain {
	c := &Chain{
		reencoder: r,
		policy:    policy,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sink = metrics.Safe(c.sink, c.logger)
	return c
}

// Run executes attempts in order and returns the first displayable result.
// Once ctx is done no further fetches are made and the terminal attempt is
// returned. A plan without a terminal attempt yields the last attempt's URL.
func (c *Chain) Run(ctx context.Context, attempts []Attempt) Result {
	start := time.Now()
	var (
		lastErr error
		taints  int
	)
	for i, a := range attempts {
		n := i + 1
		if a.Terminal {
			if taints == 0 && lastErr != nil {
				c.sink.RecordLoadFailure(a.URL)
			}
			return Result{Step: a.Step, URL: a.URL, Attempts: n, Err: lastErr, Duration: time.Since(start)}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			continue
		}

		c.sink.RecordAttempt()
		res, err := c.reencoder.Reencode(ctx, a.URL, a.CORS, c.policy)
		switch {
		case err == nil && a.Cacheable:
			return Result{
				Step:      a.Step,
				URL:       res.Payload,
				Payload:   res.Payload,
				SizeBytes: res.SizeBytes,
				Cacheable: true,
				Attempts:  n,
				Duration:  time.Since(start),
			}
		case err == nil:
			return Result{Step: a.Step, URL: a.URL, Attempts: n, Duration: time.Since(start)}
		case errors.Is(err, reencode.ErrPayloadTooLarge):
			c.logger.Debug("payload too large to cache, displaying directly",
				slog.String("url", a.URL),
				slog.Int64("size", res.SizeBytes))
			return Result{Step: a.Step, URL: a.URL, SizeBytes: res.SizeBytes, Attempts: n, Err: err, Duration: time.Since(start)}
		case errors.Is(err, reencode.ErrTainted):
			taints++
			c.sink.RecordTaint(a.URL)
			if !a.CORS {
				// Loaded but unreadable: displayable, never cacheable.
				return Result{Step: a.Step, URL: a.URL, Attempts: n, Err: err, Duration: time.Since(start)}
			}
		}
		lastErr = err
		c.logger.Debug("load attempt failed",
			slog.String("step", a.Step.String()),
			slog.String("url", a.URL),
			slog.Any("error", err))
	}
	if len(attempts) == 0 {
		return Result{Err: errors.New("empty fallback plan"), Duration: time.Since(start)}
	}
	last := attempts[len(attempts)-1]
	return Result{Step: last.Step, URL: last.URL, Attempts: len(attempts), Err: lastErr, Duration: time.Since(start)}
}
