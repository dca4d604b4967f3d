// Package settings exposes typed views over a storage.Storage backend.
//
// A Store is rooted at a storage.Path; Sub returns a view one or more levels
// deeper. Values are encoded as follows:
//
//	string      raw bytes
//	int64       base-10 text
//	bool        "true" / "false"
//	string list JSON array
//
// Getters return (value, ok, err) where ok is false when the key is absent.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ggoodman/pkgd/storage"
)

// ErrTypeMismatch is returned when a stored value cannot be decoded as the
// requested type.
var ErrTypeMismatch = errors.New("settings: stored value has unexpected type")

// Store is a typed view over a subtree of a storage backend.
type Store struct {
	backend storage.Storage
	path    storage.Path
}

// New returns a Store rooted at the backend's root path.
func New(backend storage.Storage) *Store {
	return &Store{backend: backend}
}

// Sub returns a view rooted segs below s. Segments containing '/' are split.
func (s *Store) Sub(segs ...string) *Store {
	p := s.path
	for _, seg := range segs {
		p = p.Child(storage.ParsePath(seg)...)
	}
	return &Store{backend: s.backend, path: p}
}

// Path returns the location of this view.
func (s *Store) Path() storage.Path { return s.path }

func (s *Store) raw(ctx context.Context, key string) ([]byte, bool, error) {
	item, err := s.backend.Get(ctx, key, storage.WithPath(s.path))
	if err != nil {
		return nil, false, fmt.Errorf("settings: get %s#%s: %w", s.path, key, err)
	}
	if item == nil {
		return nil, false, nil
	}
	return item.Data, true, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	if err := s.backend.Set(ctx, key, data, storage.WithPath(s.path)); err != nil {
		return fmt.Errorf("settings: set %s#%s: %w", s.path, key, err)
	}
	return nil
}

// String reads a string value.
func (s *Store) String(ctx context.Context, key string) (string, bool, error) {
	b, ok, err := s.raw(ctx, key)
	return string(b), ok, err
}

// SetString stores a string value.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.put(ctx, key, []byte(value))
}

// Int64 reads an integer value.
func (s *Store) Int64(ctx context.Context, key string) (int64, bool, error) {
	b, ok, err := s.raw(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s#%s: %v", ErrTypeMismatch, s.path, key, err)
	}
	return n, true, nil
}

// SetInt64 stores an integer value.
func (s *Store) SetInt64(ctx context.Context, key string, value int64) error {
	return s.put(ctx, key, []byte(strconv.FormatInt(value, 10)))
}

// Bool reads a boolean value. Any casing of "true"/"false" is accepted.
func (s *Store) Bool(ctx context.Context, key string) (bool, bool, error) {
	b, ok, err := s.raw(ctx, key)
	if err != nil || !ok {
		return false, ok, err
	}
	v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(string(b))))
	if err != nil {
		return false, false, fmt.Errorf("%w: %s#%s: %v", ErrTypeMismatch, s.path, key, err)
	}
	return v, true, nil
}

// SetBool stores a boolean value.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.put(ctx, key, []byte(strconv.FormatBool(value)))
}

// StringList reads a list of strings.
func (s *Store) StringList(ctx context.Context, key string) ([]string, bool, error) {
	b, ok, err := s.raw(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false, fmt.Errorf("%w: %s#%s: %v", ErrTypeMismatch, s.path, key, err)
	}
	return out, true, nil
}

// SetStringList stores a list of strings. A nil list is stored as empty.
func (s *Store) SetStringList(ctx context.Context, key string, values []string) error {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("settings: encode %s#%s: %w", s.path, key, err)
	}
	return s.put(ctx, key, b)
}

// Delete removes one key from this view.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, storage.WithPath(s.path), storage.WithKey(key)); err != nil {
		return fmt.Errorf("settings: delete %s#%s: %w", s.path, key, err)
	}
	return nil
}

// Clear removes every key in this view and all views below it.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, storage.WithPath(s.path)); err != nil {
		return fmt.Errorf("settings: clear %s: %w", s.path, err)
	}
	return nil
}

// Keys lists the keys stored directly in this view.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx, storage.WithPath(s.path))
	if err != nil {
		return nil, fmt.Errorf("settings: keys %s: %w", s.path, err)
	}
	return keys, nil
}

// Append adds value to the string list at key. Duplicates are kept.
func (s *Store) Append(ctx context.Context, key, value string) error {
	list, _, err := s.StringList(ctx, key)
	if err != nil && !errors.Is(err, ErrTypeMismatch) {
		return err
	}
	return s.SetStringList(ctx, key, append(list, value))
}
