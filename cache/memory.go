package cache

import (
	"fmt"
	"sync"
)

// Memory is an in-process Substrate with an optional byte budget.
//
// It models the small key-value stores browsers expose: values are copied
// on the way in and out, and a write that would push the total above the
// budget fails with ErrQuotaExceeded instead of evicting anything.
type Memory struct {
	mu       sync.RWMutex
	values   map[string][]byte
	bytes    int64
	maxBytes int64
}

var _ Substrate = (*Memory)(nil)

// MemoryOption configures a Memory substrate.
type MemoryOption func(*Memory)

// WithMemoryMaxBytes sets the byte budget. Keys count toward the budget.
// Use 0 to disable the limit.
func WithMemoryMaxBytes(n int64) MemoryOption {
	return func(m *Memory) {
		m.maxBytes = n
	}
}

// NewMemory creates an empty Memory substrate.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{values: make(map[string][]byte)}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxBytes < 0 {
		m.maxBytes = 0
	}
	return m
}

// Available implements Substrate.
func (m *Memory) Available() bool { return true }

// Get implements Substrate.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements Substrate.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := int64(len(key) + len(value))
	var old int64
	if prev, ok := m.values[key]; ok {
		old = int64(len(key) + len(prev))
	}
	if m.maxBytes > 0 && m.bytes-old+need > m.maxBytes {
		return fmt.Errorf("set %q (%d bytes, %d of %d used): %w", key, need, m.bytes, m.maxBytes, ErrQuotaExceeded)
	}
	m.values[key] = append([]byte(nil), value...)
	m.bytes += need - old
	return nil
}

// Remove implements Substrate.
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.values[key]; ok {
		m.bytes -= int64(len(key) + len(prev))
		delete(m.values, key)
	}
	return nil
}

// Keys implements Substrate.
func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

// SizeBytes returns the bytes currently used, keys included.
func (m *Memory) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Disabled is a Substrate for hosts where persistent storage is turned off.
// Every lookup misses and every write is silently dropped.
type Disabled struct{}

var _ Substrate = Disabled{}

func (Disabled) Available() bool                  { return false }
func (Disabled) Get(string) ([]byte, bool, error) { return nil, false, nil }
func (Disabled) Set(string, []byte) error         { return nil }
func (Disabled) Remove(string) error              { return nil }
func (Disabled) Keys() ([]string, error)          { return nil, nil }
