package feeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/pkgd/packages"
)

// DefaultPattern selects package files in a directory feed.
const DefaultPattern = "*.pkg"

// ErrNotDirectory is returned for directory feed locations that are not
// directories.
var ErrNotDirectory = errors.New("feeds: location is not a directory")

// DirectoryFeed lists the package files of one directory. A location with a
// wildcard in its last element, like /srv/pkgs/tool-*.pkg, selects files
// by that pattern.
type DirectoryFeed struct {
	reg      *packages.Registry
	log      *slog.Logger
	location string
	dir      string
	pattern  string

	dirty atomic.Bool

	mu          sync.Mutex
	pkgs        map[string]*packages.Package
	lastScanned time.Time
}

// SplitLocation separates a feed location into its directory and file
// pattern.
func SplitLocation(loc string) (dir, pattern string) {
	loc = NormalizeLocation(loc)
	base := filepath.Base(loc)
	if strings.ContainsAny(base, "*?[") {
		return filepath.Dir(loc), base
	}
	return loc, DefaultPattern
}

// IsWildcard reports whether loc selects files by pattern.
func IsWildcard(loc string) bool {
	return strings.ContainsAny(filepath.Base(loc), "*?[")
}

// NewDirectoryFeed returns the feed at location. The directory must exist.
func NewDirectoryFeed(reg *packages.Registry, location string, log *slog.Logger) (*DirectoryFeed, error) {
	if log == nil {
		log = slog.Default()
	}
	dir, pattern := SplitLocation(location)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("feeds: pattern %q: %w", pattern, err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	f := &DirectoryFeed{
		reg:      reg,
		log:      log.With(slog.String("feed", location)),
		location: NormalizeLocation(location),
		dir:      dir,
		pattern:  pattern,
		pkgs:     make(map[string]*packages.Package),
	}
	f.dirty.Store(true)
	return f, nil
}

func (f *DirectoryFeed) Location() string { return f.location }

// Dir is the directory the feed scans.
func (f *DirectoryFeed) Dir() string { return f.dir }

func (f *DirectoryFeed) LastScanned() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastScanned
}

func (f *DirectoryFeed) IsLocationMatch(loc string) bool {
	return NormalizeLocation(loc) == f.location
}

// Invalidate forces a rescan on the next query.
func (f *DirectoryFeed) Invalidate() { f.dirty.Store(true) }

// Scan reads every matching file in the directory. Files that are not
// packages are skipped.
func (f *DirectoryFeed) Scan(ctx context.Context) error {
	f.dirty.Store(false)
	matches, err := filepath.Glob(filepath.Join(f.dir, f.pattern))
	if err != nil {
		return err
	}
	found := make(map[string]*packages.Package, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			f.dirty.Store(true)
			return err
		}
		p, err := f.reg.ByFilename(m)
		if err != nil {
			f.log.DebugContext(ctx, "feed.scan.skip", slog.String("file", m), slog.String("err", err.Error()))
			continue
		}
		found[m] = p
	}

	f.mu.Lock()
	f.pkgs = found
	f.lastScanned = time.Now()
	f.mu.Unlock()
	f.log.DebugContext(ctx, "feed.scan.ok", slog.Int("packages", len(found)))
	return nil
}

func (f *DirectoryFeed) FindPackages(ctx context.Context, filter packages.Filter) ([]*packages.Package, error) {
	if f.dirty.Load() {
		if err := f.Scan(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	all := make([]*packages.Package, 0, len(f.pkgs))
	for _, p := range f.pkgs {
		all = append(all, p)
	}
	f.mu.Unlock()
	return matching(all, filter), nil
}

// Watch marks the feed dirty whenever its directory changes, until ctx is
// done. onChange, when set, is called after each change.
func (f *DirectoryFeed) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(f.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ok, _ := filepath.Match(f.pattern, filepath.Base(ev.Name)); !ok {
				continue
			}
			f.dirty.Store(true)
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Debug("feed.watch.err", slog.String("err", err.Error()))
		}
	}
}
