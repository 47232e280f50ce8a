// Package kv provides small named key-value buckets backed by SQLite or memory.
package kv

import (
	"encoding/json"
	"fmt"
)

// Bucket is the interface for key-value storage operations.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Get returns the raw value of key and whether it exists.
	Get(key string) (string, bool, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys in the bucket.
	Keys() ([]string, error)
}

// GetJSON decodes the value of key into out. It reports false when the key is missing.
func GetJSON(b Bucket, key string, out any) (bool, error) {
	raw, ok, err := b.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", b.Name(), key, err)
	}
	return true, nil
}

// PutJSON encodes value and stores it under key.
func PutJSON(b Bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", b.Name(), key, err)
	}
	return b.Put(key, string(data))
}
