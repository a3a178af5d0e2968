package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Default quota limits.
const (
	DefaultMaxEntries     = 100
	DefaultEvictBatch     = 5
	DefaultEmergencyBatch = 10
)

// Quota keeps a Store within its configured ceilings.
//
// Before a write that would exceed MaxEntries, the oldest entries are
// removed in batches. When the substrate reports ErrQuotaExceeded, a larger
// emergency batch is evicted and the write is retried exactly once. Writes
// are serialized so the ceiling holds under concurrent use.
type Quota struct {
	store          *Store
	maxEntries     int
	maxBytes       int64
	batch          int
	emergencyBatch int
	onExceeded     func()
	logger         *slog.Logger

	mu      sync.Mutex
	skipped map[string]struct{}
}

// QuotaOption configures a Quota.
type QuotaOption func(*Quota)

// WithMaxEntries sets the entry ceiling. Defaults to [DefaultMaxEntries].
func WithMaxEntries(n int) QuotaOption {
	return func(q *Quota) {
		q.maxEntries = n
	}
}

// WithMaxBytes sets a ceiling on the summed SizeBytes of all entries.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) QuotaOption {
	return func(q *Quota) {
		q.maxBytes = n
	}
}

// WithEvictBatch sets how many entries are evicted ahead of a write that
// would exceed the entry ceiling. Defaults to [DefaultEvictBatch].
func WithEvictBatch(n int) QuotaOption {
	return func(q *Quota) {
		q.batch = n
	}
}

// WithEmergencyBatch sets how many entries are evicted after the substrate
// rejects a write for lack of space. Defaults to [DefaultEmergencyBatch].
func WithEmergencyBatch(n int) QuotaOption {
	return func(q *Quota) {
		q.emergencyBatch = n
	}
}

// WithQuotaExceededHook sets a function called whenever the substrate
// rejects a write for lack of space.
func WithQuotaExceededHook(fn func()) QuotaOption {
	return func(q *Quota) {
		q.onExceeded = fn
	}
}

// WithQuotaLogger sets the logger for eviction diagnostics.
func WithQuotaLogger(logger *slog.Logger) QuotaOption {
	return func(q *Quota) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQuota creates a Quota guarding store.
func NewQuota(store *Store, opts ...QuotaOption) (*Quota, error) {
	if store == nil {
		return nil, errors.New("quota store is nil")
	}
	q := &Quota{
		store:          store,
		maxEntries:     DefaultMaxEntries,
		batch:          DefaultEvictBatch,
		emergencyBatch: DefaultEmergencyBatch,
		onExceeded:     func() {},
		logger:         slog.New(slog.DiscardHandler),
		skipped:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxEntries <= 0 {
		return nil, errors.New("max entries must be > 0")
	}
	if q.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if q.batch <= 0 || q.emergencyBatch <= 0 {
		return nil, errors.New("eviction batch sizes must be > 0")
	}
	if q.onExceeded == nil {
		q.onExceeded = func() {}
	}
	return q, nil
}

// MaxEntries returns the entry ceiling.
func (q *Quota) MaxEntries() int {
	return q.maxEntries
}

// Write stores entry within the configured ceilings.
//
// Every error means the entry was not cached; callers continue uncached.
// ErrEntryTooLarge means the entry can never fit and its key will not be
// retried. ErrCacheSkipped means the single retry after an emergency
// eviction also failed.
func (q *Quota) Write(entry Entry) error {
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Payload))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.store.Available() {
		return ErrStorageUnavailable
	}
	if _, ok := q.skipped[entry.Key]; ok {
		return fmt.Errorf("%w: %s", ErrEntryTooLarge, entry.Key)
	}
	if q.maxBytes > 0 && entry.SizeBytes > q.maxBytes {
		q.skipped[entry.Key] = struct{}{}
		return fmt.Errorf("%w: %s is %d bytes, budget is %d", ErrEntryTooLarge, entry.Key, entry.SizeBytes, q.maxBytes)
	}

	others, err := q.othersByAge(entry.Key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSkipped, err)
	}
	if others, err = q.makeRoom(others, entry); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSkipped, err)
	}

	err = q.store.Put(entry)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	q.onExceeded()
	if len(others) == 0 {
		// Nothing left to evict: the entry alone exceeds the substrate.
		q.skipped[entry.Key] = struct{}{}
		q.logger.Warn("cache entry exceeds storage budget, skipping permanently",
			slog.String("key", entry.Key),
			slog.Int64("size", entry.SizeBytes))
		return fmt.Errorf("%w: %s: %w", ErrEntryTooLarge, entry.Key, err)
	}

	n := min(q.emergencyBatch, len(others))
	q.logger.Debug("storage quota exceeded, evicting",
		slog.String("key", entry.Key),
		slog.Int("evict", n))
	if _, err := q.evict(others, n); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSkipped, err)
	}
	if err := q.store.Put(entry); err != nil {
		q.logger.Warn("cache write abandoned after eviction",
			slog.String("key", entry.Key),
			slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrCacheSkipped, err)
	}
	return nil
}

// othersByAge returns every entry except key, oldest first.
func (q *Quota) othersByAge(key string) ([]Entry, error) {
	entries, err := q.store.Entries()
	if err != nil {
		return nil, err
	}
	others := entries[:0]
	for _, e := range entries {
		if e.Key != key {
			others = append(others, e)
		}
	}
	return others, nil
}

// makeRoom evicts the oldest entries until entry fits the count and byte
// ceilings, returning the entries that remain.
func (q *Quota) makeRoom(others []Entry, entry Entry) ([]Entry, error) {
	if len(others)+1 > q.maxEntries {
		n := max(q.batch, len(others)+1-q.maxEntries)
		var err error
		if others, err = q.evict(others, n); err != nil {
			return others, err
		}
	}
	if q.maxBytes <= 0 {
		return others, nil
	}
	var total int64
	for _, e := range others {
		total += e.SizeBytes
	}
	n := 0
	for n < len(others) && total+entry.SizeBytes > q.maxBytes {
		total -= others[n].SizeBytes
		n++
	}
	if n == 0 {
		return others, nil
	}
	return q.evict(others, n)
}

// evict removes the first n entries of others and returns the rest.
func (q *Quota) evict(others []Entry, n int) ([]Entry, error) {
	n = min(n, len(others))
	for i := 0; i < n; i++ {
		if err := q.store.Remove(others[i].Key); err != nil {
			return others[i:], err
		}
	}
	if n > 0 {
		q.logger.Debug("evicted cache entries", slog.Int("count", n))
	}
	return others[n:], nil
}
