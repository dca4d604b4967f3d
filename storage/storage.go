// Package storage provides an interface for hierarchical key/value data
// backing the daemon's settings.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Storage defines the primary interface for hierarchical data storage
type Storage interface {
	// Get retrieves data for a specific key within the given path
	// Returns nil StorageItem if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given path
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given path.
	// If no key specified via WithKey, removes the path and everything below it.
	Delete(ctx context.Context, opts ...Option) error

	// Keys lists the keys stored directly under the given path.
	Keys(ctx context.Context, opts ...Option) ([]string, error)

	// Close closes the storage backend and releases resources
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Path Path           // Optional: hierarchical location (empty = root)
	Key  *string        // Optional: specific key (for Delete operations)
	TTL  *time.Duration // Optional: time-to-live for the data
}

// Path is a hierarchical location such as ["PackageManager", "Policy"].
type Path []string

// String renders the path with '/' separators.
func (p Path) String() string { return strings.Join(p, "/") }

// Child returns a new path with segs appended.
func (p Path) Child(segs ...string) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// ParsePath splits a '/' separated path, ignoring empty segments.
func ParsePath(s string) Path {
	var p Path
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			p = append(p, seg)
		}
	}
	return p
}

// WithPath specifies the hierarchical location of the operation.
func WithPath(p Path) Option {
	return func(opts *Options) {
		opts.Path = p
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the whole path
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Error types
var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrInvalidPath is returned when a path segment or key contains a reserved character.
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Validate rejects path segments and keys that would collide with the
// backends' key encoding.
func (o *Options) Validate(key string) error {
	for _, seg := range o.Path {
		if seg == "" || strings.ContainsAny(seg, "/\x00") {
			return ErrInvalidPath
		}
	}
	if strings.ContainsAny(key, "/\x00") {
		return ErrInvalidPath
	}
	return nil
}
