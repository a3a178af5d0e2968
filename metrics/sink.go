// Package metrics provides instrumentation sinks for image loads.
//
// A [Sink] receives fire-and-forget events from the loader: fetch attempts,
// successful re-encodes, cross-origin taints, quota pressure and terminal
// load failures. Sinks must not block; the loader calls them inline.
package metrics

import (
	"log/slog"
	"time"
)

// Sink receives load events.
//
// Implementations must be safe for concurrent use and must return quickly.
type Sink interface {
	// RecordAttempt is called before every fetch attempt.
	RecordAttempt()

	// RecordSuccess is called when a load produced a displayable result.
	// sizeBytes is the encoded payload size, or 0 when the result was
	// displayed uncached.
	RecordSuccess(sizeBytes int64, d time.Duration)

	// RecordTaint is called when a fetched image could not be read back
	// because of cross-origin protection.
	RecordTaint(url string)

	// RecordQuotaExceeded is called when a cache write ran out of space.
	RecordQuotaExceeded()

	// RecordLoadFailure is called when no displayable URL could be produced.
	RecordLoadFailure(url string)
}

// Nop is a Sink that discards every event.
type Nop struct{}

func (Nop) RecordAttempt()                     {}
func (Nop) RecordSuccess(int64, time.Duration) {}
func (Nop) RecordTaint(string)                 {}
func (Nop) RecordQuotaExceeded()               {}
func (Nop) RecordLoadFailure(string)           {}

// Safe wraps s so that a panicking sink is logged and otherwise ignored.
// A nil s yields [Nop].
func Safe(s Sink, logger *slog.Logger) Sink {
	if s == nil {
		return Nop{}
	}
	if _, ok := s.(safeSink); ok {
		return s
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return safeSink{sink: s, logger: logger}
}

type safeSink struct {
	sink   Sink
	logger *slog.Logger
}

func (s safeSink) recover(event string) {
	if r := recover(); r != nil {
		s.logger.Warn("metrics sink panicked",
			slog.String("event", event),
			slog.Any("panic", r))
	}
}

func (s safeSink) RecordAttempt() {
	defer s.recover("attempt")
	s.sink.RecordAttempt()
}

func (s safeSink) RecordSuccess(sizeBytes int64, d time.Duration) {
	defer s.recover("success")
	s.sink.RecordSuccess(sizeBytes, d)
}

func (s safeSink) RecordTaint(url string) {
	defer s.recover("taint")
	s.sink.RecordTaint(url)
}

func (s safeSink) RecordQuotaExceeded() {
	defer s.recover("quota_exceeded")
	s.sink.RecordQuotaExceeded()
}

func (s safeSink) RecordLoadFailure(url string) {
	defer s.recover("load_failure")
	s.sink.RecordLoadFailure(url)
}

// Multi returns a Sink that forwards every event to each of sinks in order.
// Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}

type multiSink []Sink

func (m multiSink) RecordAttempt() {
	for _, s := range m {
		s.RecordAttempt()
	}
}

func (m multiSink) RecordSuccess(sizeBytes int64, d time.Duration) {
	for _, s := range m {
		s.RecordSuccess(sizeBytes, d)
	}
}

func (m multiSink) RecordTaint(url string) {
	for _, s := range m {
		s.RecordTaint(url)
	}
}

func (m multiSink) RecordQuotaExceeded() {
	for _, s := range m {
		s.RecordQuotaExceeded()
	}
}

func (m multiSink) RecordLoadFailure(url string) {
	for _, s := range m {
		s.RecordLoadFailure(url)
	}
}
