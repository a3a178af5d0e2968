package pixcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slot is one place on screen that displays one image at a time.
//
// Each Show starts a new generation. Work started for an earlier generation
// keeps running but its outcomes are dropped, so the observer only ever sees
// outcomes of the latest request. Outcomes are delivered to the observer one
// at a time, in order. The observer must not call Show or Close itself.
type Slot struct {
	loader   *Loader
	observer func(Outcome)
	gen      atomic.Uint64

	deliverMu sync.Mutex // serializes observer calls

	mu         sync.Mutex // guards the fields below
	current    Outcome
	done       chan struct{}
	doneClosed bool
	closed     bool
}

// NewSlot creates a display slot. observer may be nil when the caller polls
// Outcome or Wait instead.
func (l *Loader) NewSlot(observer func(Outcome)) *Slot {
	return &Slot{loader: l, observer: observer}
}

// Show displays req, superseding whatever the slot was showing. The Loading
// outcome is delivered before Show returns; the rest arrive asynchronously.
// Show on a closed slot does nothing. Once the Loader is closed, Show ends
// in Failed with ErrClosed.
func (s *Slot) Show(ctx context.Context, req Request) {
	s.deliverMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return
	}
	gen := s.gen.Add(1)
	s.finishLocked()
	s.done = make(chan struct{})
	s.doneClosed = false
	s.current = Outcome{State: StateLoading}
	s.mu.Unlock()
	s.notify(s.current)
	s.deliverMu.Unlock()

	emit := func(o Outcome) bool {
		return s.emit(gen, o)
	}
	if !s.loader.goTracked(func() { s.loader.run(ctx, req, emit) }) {
		emit(Outcome{State: StateFailed, Err: ErrClosed})
	}
}

// emit applies o if gen is still current and reports whether it was.
func (s *Slot) emit(gen uint64, o Outcome) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen.Load() {
		s.mu.Unlock()
		return false
	}
	s.current = o
	if o.State.Terminal() {
		s.finishLocked()
	}
	s.mu.Unlock()

	s.notify(o)
	return true
}

func (s *Slot) notify(o Outcome) {
	if s.observer != nil {
		s.observer(o)
	}
}

// finishLocked releases waiters of the current generation.
func (s *Slot) finishLocked() {
	if s.done != nil && !s.doneClosed {
		close(s.done)
		s.doneClosed = true
	}
}

// Outcome returns the slot's current outcome.
func (s *Slot) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Generation returns the number of requests shown so far.
func (s *Slot) Generation() uint64 {
	return s.gen.Load()
}

// Wait blocks until the current request reaches a terminal outcome, the
// request is superseded or the slot is closed, then returns the slot's
// outcome at that moment.
func (s *Slot) Wait(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return s.Outcome(), nil
	}
	select {
	case <-done:
		return s.Outcome(), nil
	case <-ctx.Done():
		return s.Outcome(), ctx.Err()
	}
}

// Close unmounts the slot. Its outcomes are dropped from now on; in-flight
// work still runs to completion, and Loader.Close waits for it.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen.Add(1)
	s.finishLocked()
}
