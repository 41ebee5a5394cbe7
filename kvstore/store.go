// Package kvstore provides the durable key-value stores that hold upload session snapshots.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("key not found")

// Store is a durable key-value store.
type Store interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateKey rejects keys that cannot be stored safely as file or object names.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > 255 {
		return fmt.Errorf("key is too long (%d > 255)", len(key))
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: %s", key)
	}
	return nil
}
