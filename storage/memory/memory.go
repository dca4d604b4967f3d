// Package memory provides an in-memory implementation of the storage interface.
// Items without a TTL are kept until deleted. Items with a TTL live in a
// github.com/hashicorp/golang-lru/v2 cache bounded by maxItems.
//
// Nothing survives a restart; use it for tests and development daemons.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// keySep separates the path from the key inside a cache key. Neither paths
// nor keys may contain it.
const keySep = "\x00"

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	mu    sync.RWMutex
	items map[string]*storage.StorageItem
	cache *lru.Cache[string, *storage.StorageItem]

	stop chan struct{}
	once sync.Once
}

// New creates a new in-memory storage implementation. maxItems bounds only
// the items stored with a TTL.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		items: make(map[string]*storage.StorageItem),
		cache: cache,
		stop:  make(chan struct{}),
	}

	// Start background cleanup of expired items
	go s.cleanupExpired()

	return s, nil
}

// Get retrieves data for a specific key within the given path
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return nil, err
	}

	storageKey := buildKey(options.Path, key)

	s.mu.RLock()
	item, exists := s.items[storageKey]
	if !exists {
		item, exists = s.cache.Get(storageKey)
	}
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores data for a specific key within the given path
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return err
	}

	storageKey := buildKey(options.Path, key)

	now := time.Now()
	item := &storage.StorageItem{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	if item.ExpiresAt == nil {
		s.cache.Remove(storageKey)
		s.items[storageKey] = item
	} else {
		delete(s.items, storageKey)
		s.cache.Add(storageKey, item)
	}
	s.mu.Unlock()

	return nil
}

// Delete removes a key, or a whole path subtree when no key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	key := ""
	if options.Key != nil {
		key = *options.Key
	}
	if err := options.Validate(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		k := buildKey(options.Path, *options.Key)
		delete(s.items, k)
		s.cache.Remove(k)
		return nil
	}

	p := options.Path.String()
	for k := range s.items {
		if inSubtree(k, p) {
			delete(s.items, k)
		}
	}
	for _, k := range s.cache.Keys() {
		if inSubtree(k, p) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Keys lists keys stored directly under the given path, sorted.
func (s *Storage) Keys(ctx context.Context, opts ...storage.Option) ([]string, error) {
	options := storage.Apply(opts...)
	if err := options.Validate(""); err != nil {
		return nil, err
	}
	prefix := options.Path.String() + keySep

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
			continue
		}
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	clear(s.items)
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(p storage.Path, key string) string {
	return p.String() + keySep + key
}

// inSubtree reports whether cache key k lives at path p or below it.
func inSubtree(k, p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(k, p+keySep) {
		return true
	}
	return strings.HasPrefix(k, p+"/")
}

// cleanupExpired runs a background goroutine to periodically clean up expired items
func (s *Storage) cleanupExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, exists := s.cache.Peek(key); exists {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					s.cache.Remove(key)
				}
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
