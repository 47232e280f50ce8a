package kv

import (
	"sort"
	"sync"
)

// MemoryBucket is an in-memory bucket (not persisted).
type MemoryBucket struct {
	name    string
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryBucket creates a new in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{name: name, entries: make(map[string]string)}
}

// Name returns the bucket name.
func (b *MemoryBucket) Name() string {
	return b.name
}

// Get retrieves a value by key.
func (b *MemoryBucket) Get(key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.entries[key]
	return v, ok, nil
}

// Put saves a value under key.
func (b *MemoryBucket) Put(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = value
	return nil
}

// Delete removes a key from the bucket.
func (b *MemoryBucket) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Keys returns all keys in the bucket, sorted.
func (b *MemoryBucket) Keys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
