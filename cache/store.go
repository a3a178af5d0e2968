package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultKeyPrefix namespaces store records within a shared substrate.
const DefaultKeyPrefix = "pixcache:"

// Store is a key to Entry store with expiry by age.
//
// Records are JSON-encoded and written under a key prefix so the substrate
// may hold unrelated data; keys without the prefix are ignored. All methods
// are safe for concurrent use. Store never panics past its boundary:
// substrate failures surface as errors (Put) or as misses (Get).
type Store struct {
	sub    Substrate
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKeyPrefix sets the substrate key prefix. Defaults to [DefaultKeyPrefix].
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLogger sets the logger for degraded-storage diagnostics.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store over sub. A nil sub behaves like [Disabled].
func NewStore(sub Substrate, opts ...StoreOption) *Store {
	if sub == nil {
		sub = Disabled{}
	}
	s := &Store{
		sub:    sub,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Available reports whether the underlying substrate can store entries.
func (s *Store) Available() bool {
	return s.sub.Available()
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Get returns the live entry for key.
//
// Get reports a miss when the substrate is unavailable, when no entry
// exists, or when the stored record is unreadable. When maxAge > 0 and the
// entry is older than maxAge, the entry is removed and Get reports a miss.
func (s *Store) Get(key string, maxAge time.Duration) (Entry, bool) {
	if key == "" || !s.sub.Available() {
		return Entry{}, false
	}
	entry, ok := s.read(s.prefix + key)
	if !ok {
		return Entry{}, false
	}
	if maxAge > 0 && entry.Age(s.now()) > maxAge {
		s.logger.Debug("cache entry expired",
			slog.String("key", key),
			slog.Duration("age", entry.Age(s.now())))
		_ = s.Remove(key) //nolint:errcheck // lazy purge is best-effort
		return Entry{}, false
	}
	return entry, true
}

// Put writes entry, replacing any previous entry for the same key.
//
// A write that does not fit returns an error wrapping ErrQuotaExceeded; the
// caller is responsible for evicting before retrying (see [Quota]). Other
// substrate failures wrap ErrStorage. An unavailable substrate returns
// ErrStorageUnavailable without touching it.
func (s *Store) Put(entry Entry) (err error) {
	if entry.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	if !s.sub.Available() {
		return ErrStorageUnavailable
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Payload))
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrInvalidEntry, entry.Key, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: put %s: %v", ErrStorage, entry.Key, r)
		}
	}()
	if setErr := s.sub.Set(s.prefix+entry.Key, raw); setErr != nil {
		if errors.Is(setErr, ErrQuotaExceeded) {
			return fmt.Errorf("put %s: %w", entry.Key, setErr)
		}
		return fmt.Errorf("%w: put %s: %w", ErrStorage, entry.Key, setErr)
	}
	return nil
}

// Remove deletes the entry for key. Missing keys are a no-op.
func (s *Store) Remove(key string) error {
	if !s.sub.Available() {
		return nil
	}
	if err := s.sub.Remove(s.prefix + key); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrStorage, key, err)
	}
	return nil
}

// KeysByAge returns every entry key, oldest first.
func (s *Store) KeysByAge() ([]string, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Entries returns every readable entry ordered by CreatedAt ascending, ties
// broken by key. Unreadable records are removed.
func (s *Store) Entries() ([]Entry, error) {
	if !s.sub.Available() {
		return nil, nil
	}
	keys, err := s.sub.Keys()
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %w", ErrStorage, err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, s.prefix) {
			continue
		}
		if e, ok := s.read(k); ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	entries, err := s.Entries()
	return len(entries), err
}

// SizeBytes returns the tracked payload size of all entries.
func (s *Store) SizeBytes() (int64, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// PurgeExpired removes every entry older than maxAge and returns how many
// were removed.
func (s *Store) PurgeExpired(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, e := range entries {
		if e.Age(now) <= maxAge {
			// Entries are sorted oldest first.
			break
		}
		if err := s.Remove(e.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Clear removes every entry in the store's namespace.
func (s *Store) Clear() error {
	if !s.sub.Available() {
		return nil
	}
	keys, err := s.sub.Keys()
	if err != nil {
		return fmt.Errorf("%w: list keys: %w", ErrStorage, err)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, s.prefix) {
			continue
		}
		if err := s.sub.Remove(k); err != nil {
			return fmt.Errorf("%w: remove %s: %w", ErrStorage, k, err)
		}
	}
	return nil
}

// read loads and decodes the record stored under the full substrate key.
func (s *Store) read(fullKey string) (Entry, bool) {
	raw, ok, err := s.sub.Get(fullKey)
	if err != nil {
		s.logger.Warn("cache read failed",
			slog.String("key", fullKey),
			slog.Any("error", err))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Key == "" || s.prefix+entry.Key != fullKey {
		s.logger.Warn("dropping unreadable cache record",
			slog.String("key", fullKey),
			slog.Any("error", err))
		_ = s.sub.Remove(fullKey) //nolint:errcheck // corrupt records are removed best-effort
		return Entry{}, false
	}
	return entry, true
}
