// Package feeds provides the package sources the engine searches: directory
// feeds backed by the file system, the set of installed packages, and the
// packages recognized during one session. A Manager keeps the persisted
// system feed list and the per-session additions and suppressions.
package feeds

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/packages"
)

const (
	// InstalledLocation names the feed of installed packages.
	InstalledLocation = "installed:"
	// SessionLocation names the feed of packages recognized in a session.
	SessionLocation = "session:"
)

// Feed is a source of packages.
type Feed interface {
	// Location identifies the feed.
	Location() string
	// LastScanned is when the feed last refreshed its contents.
	LastScanned() time.Time
	// FindPackages returns the feed's packages matching filter.
	FindPackages(ctx context.Context, filter packages.Filter) ([]*packages.Package, error)
	// IsLocationMatch reports whether loc refers to this feed.
	IsLocationMatch(loc string) bool
}

// NormalizeLocation cleans a local feed location. Other locations are
// returned trimmed.
func NormalizeLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" || strings.Contains(loc, "://") || strings.HasSuffix(loc, ":") {
		return loc
	}
	if abs, err := filepath.Abs(loc); err == nil {
		return abs
	}
	return filepath.Clean(loc)
}

func matching(ps []*packages.Package, f packages.Filter) []*packages.Package {
	var out []*packages.Package
	for _, p := range ps {
		if p.CanonicalName() != "" && f.Matches(p.Identity()) {
			out = append(out, p)
		}
	}
	return out
}

// InstalledFeed lists the installed packages of a registry.
type InstalledFeed struct {
	reg *packages.Registry
}

// NewInstalledFeed returns the installed feed of reg.
func NewInstalledFeed(reg *packages.Registry) *InstalledFeed { return &InstalledFeed{reg: reg} }

func (f *InstalledFeed) Location() string       { return InstalledLocation }
func (f *InstalledFeed) LastScanned() time.Time { return time.Now() }
func (f *InstalledFeed) IsLocationMatch(loc string) bool {
	return strings.EqualFold(loc, InstalledLocation)
}

func (f *InstalledFeed) FindPackages(ctx context.Context, filter packages.Filter) ([]*packages.Package, error) {
	return matching(f.reg.Installed(), filter), nil
}

// SessionFeed holds packages a client pointed the engine at during its
// session.
type SessionFeed struct {
	mu      sync.Mutex
	pkgs    []*packages.Package
	updated time.Time
}

// NewSessionFeed returns an empty session feed.
func NewSessionFeed() *SessionFeed { return &SessionFeed{} }

// Add records p. It returns false when p was already present.
func (f *SessionFeed) Add(p *packages.Package) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.pkgs {
		if q == p {
			return false
		}
	}
	f.pkgs = append(f.pkgs, p)
	f.updated = time.Now()
	return true
}

func (f *SessionFeed) Location() string { return SessionLocation }

func (f *SessionFeed) LastScanned() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated
}

func (f *SessionFeed) IsLocationMatch(loc string) bool {
	return strings.EqualFold(loc, SessionLocation)
}

func (f *SessionFeed) FindPackages(ctx context.Context, filter packages.Filter) ([]*packages.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return matching(f.pkgs, filter), nil
}
