// Package sqlite provides a file-backed implementation of the storage
// interface on zombiezen.com/go/sqlite. It is the daemon's default settings
// backend: nothing is evicted and everything survives a restart.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/storage"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	path       TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	data       BLOB,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (path, key)
) WITHOUT ROWID;
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
}

// Option configures Open.
type Option func(*Storage)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPoolSize sets the number of pooled connections.
func WithPoolSize(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// Storage implements storage.Storage over a SQLite database file.
type Storage struct {
	pool     *sqlitex.Pool
	log      *slog.Logger
	path     string
	poolSize int

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database at path. The parent directory is
// created when missing.
func Open(path string, opts ...Option) (*Storage, error) {
	s := &Storage{log: slog.Default(), path: path, poolSize: defaultPoolSize}
	for _, o := range opts {
		o(s)
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    s.poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	s.pool = pool

	// Surface schema errors at open rather than on first use.
	conn, err := s.take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.pool.Put(conn)

	s.log.Info("storage.sqlite.open", slog.String("path", path), slog.Int("pool", s.poolSize))
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *Storage) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

// Get retrieves data for a specific key within the given path
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return nil, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	p := options.Path.String()
	var item *storage.StorageItem
	err = sqlitex.Execute(conn,
		"SELECT data, created_at, expires_at FROM settings WHERE path = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{p, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				item = &storage.StorageItem{Data: data, CreatedAt: time.Unix(0, stmt.ColumnInt64(1))}
				if !stmt.ColumnIsNull(2) {
					exp := time.Unix(0, stmt.ColumnInt64(2))
					item.ExpiresAt = &exp
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s/%s: %w", p, key, err)
	}
	if item != nil && item.IsExpired() {
		if err := sqlitex.Execute(conn, "DELETE FROM settings WHERE path = ? AND key = ?",
			&sqlitex.ExecOptions{Args: []any{p, key}}); err != nil {
			s.log.WarnContext(ctx, "storage.sqlite.expire.err", slog.String("err", err.Error()))
		}
		return nil, nil
	}
	return item, nil
}

// Set stores data for a specific key within the given path
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	if err := options.Validate(key); err != nil {
		return err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := time.Now()
	var expires any
	if options.TTL != nil {
		expires = now.Add(*options.TTL).UnixNano()
	}
	if data == nil {
		data = []byte{}
	}

	p := options.Path.String()
	err = sqlitex.Execute(conn, `
		INSERT INTO settings (path, key, data, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path, key) DO UPDATE SET
			data = excluded.data, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{p, key, data, now.UnixNano(), expires}})
	if err != nil {
		return fmt.Errorf("sqlite: set %s/%s: %w", p, key, err)
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
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	p := options.Path.String()
	switch {
	case options.Key != nil:
		err = sqlitex.Execute(conn, "DELETE FROM settings WHERE path = ? AND key = ?",
			&sqlitex.ExecOptions{Args: []any{p, key}})
	case p == "":
		err = sqlitex.Execute(conn, "DELETE FROM settings", nil)
	default:
		err = sqlitex.Execute(conn,
			"DELETE FROM settings WHERE path = ?1 OR substr(path, 1, length(?1) + 1) = ?1 || '/'",
			&sqlitex.ExecOptions{Args: []any{p}})
	}
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", p, err)
	}
	return nil
}

// Keys lists keys stored directly under the given path, sorted.
func (s *Storage) Keys(ctx context.Context, opts ...storage.Option) ([]string, error) {
	options := storage.Apply(opts...)
	if err := options.Validate(""); err != nil {
		return nil, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []string
	err = sqlitex.Execute(conn,
		"SELECT key FROM settings WHERE path = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{options.Path.String(), time.Now().UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: keys: %w", err)
	}
	return out, nil
}

// Close closes every pooled connection.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pool.Close(); err != nil {
			s.closeErr = fmt.Errorf("sqlite: closing %s: %w", s.path, err)
		}
	})
	return s.closeErr
}

var _ storage.Storage = (*Storage)(nil)
