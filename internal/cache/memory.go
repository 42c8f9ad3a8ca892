package cache

import (
	"fmt"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-memory Store backed by otter.
//
// No expiry calculator is configured: stale entries stay in place until they
// are overwritten and freshness is decided by the caller at read time. When
// maxSize is positive, W-TinyLFU eviction bounds total entry count.
type Memory struct {
	cache *otter.Cache[string, *Entry]
}

// NewMemory creates an in-memory store holding at most maxSize entries.
// maxSize <= 0 leaves the store unbounded.
func NewMemory(maxSize int) (*Memory, error) {
	opts := &otter.Options[string, *Entry]{}
	if maxSize > 0 {
		opts.MaximumSize = maxSize
	}
	c, err := otter.New[string, *Entry](opts)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get returns the entry stored under key, fresh or not.
func (m *Memory) Get(key string) (*Entry, bool) {
	return m.cache.GetIfPresent(key)
}

// Put replaces the entry stored under key. Entries are published by pointer,
// so readers only ever see fully constructed values.
func (m *Memory) Put(key string, e *Entry) {
	if e == nil {
		return
	}
	m.cache.Set(key, e)
}

// Len returns the approximate number of stored entries.
func (m *Memory) Len() int {
	return m.cache.EstimatedSize()
}
