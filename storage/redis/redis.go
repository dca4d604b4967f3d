// Package redis provides a Redis-based implementation of the storage.Storage interface
// so that settings can outlive the daemon process and be shared by tooling.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ggoodman/pkgd/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pkgd:settings:"

// keySep separates the rendered path from the key. Paths and keys are
// validated not to contain it.
const keySep = "\x00"

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance. When nil, one is built from Addr.
	Client *redis.Client

	// Addr like "localhost:6379". ENV: PKGD_REDIS_ADDR
	Addr string `env:"PKGD_REDIS_ADDR,default=localhost:6379"`
	// DB selects the logical database. ENV: PKGD_REDIS_DB
	DB int `env:"PKGD_REDIS_DB,default=0"`

	// KeyPrefix is the prefix for all Redis keys. ENV: PKGD_SETTINGS_KEY_PREFIX
	KeyPrefix string `env:"PKGD_SETTINGS_KEY_PREFIX,default=pkgd:settings:"`
}

// Storage implements the storage.Storage interface using Redis
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

// storedItem represents the structure stored in Redis
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	client := config.Client
	if client == nil {
		addr := config.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr, DB: config.DB})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	return &Storage{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv builds a Storage using envdecode to populate Config.
func NewFromEnv() (*Storage, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Get retrieves data for a specific key within the given path
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return nil, err
	}

	redisKey := s.buildKey(options.Path, key)

	result := s.client.Get(ctx, redisKey)
	if result.Err() != nil {
		if result.Err() == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %q: %w", redisKey, result.Err())
	}

	var item storedItem
	if err := json.Unmarshal([]byte(result.Val()), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	storageItem := &storage.StorageItem{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}

	// Redis expiry is second-granular on some servers; honour the recorded deadline.
	if storageItem.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}

	return storageItem, nil
}

// Set stores data for a specific key within the given path
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return err
	}

	redisKey := s.buildKey(options.Path, key)

	now := time.Now()
	item := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, itemData, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %q: %w", redisKey, err)
	}

	return nil
}

// Delete removes a key, or the path and everything below it when no key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	key := ""
	if options.Key != nil {
		key = *options.Key
	}
	if err := options.Validate(key); err != nil {
		return err
	}

	if options.Key != nil {
		redisKey := s.buildKey(options.Path, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %q: %w", redisKey, err)
		}
		return nil
	}

	var patterns []string
	if len(options.Path) == 0 {
		patterns = []string{globEscape(s.keyPrefix) + "*"}
	} else {
		base := globEscape(s.keyPrefix + options.Path.String())
		patterns = []string{base + keySep + "*", base + "/*"}
	}

	for _, pattern := range patterns {
		keys, err := s.scanKeys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("failed to scan keys for pattern %q: %w", pattern, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
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

	prefix := s.keyPrefix + options.Path.String() + keySep
	found, err := s.scanKeys(ctx, globEscape(prefix)+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	out := make([]string, 0, len(found))
	for _, k := range found {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(p storage.Path, key string) string {
	return s.keyPrefix + p.String() + keySep + key
}

// globEscape quotes the characters SCAN MATCH treats as wildcards.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanKeys uses Redis SCAN to find all keys matching a pattern
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		result := s.client.Scan(ctx, cursor, pattern, 100)
		if result.Err() != nil {
			return nil, result.Err()
		}

		batch, next := result.Val()
		keys = append(keys, batch...)
		cursor = next

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

var _ storage.Storage = (*Storage)(nil)
