package feeds

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/settings"
)

const locationsKey = "#Locations"

// FeedInfo describes one feed for find-feeds.
type FeedInfo struct {
	Location    string
	LastScanned time.Time
	Session     bool
	Suppressed  bool
	Validated   bool
}

// Query selects packages across feeds.
type Query struct {
	Filter packages.Filter
	// Location restricts the search to one feed.
	Location string
	// ForceScan rescans directory feeds before searching.
	ForceScan bool
}

// Manager owns the system feed list and the directory feeds opened for it
// and for sessions.
type Manager struct {
	reg       *packages.Registry
	store     *settings.Store
	log       *slog.Logger
	installed *InstalledFeed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	dirs  map[string]*DirectoryFeed
	saved sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a Manager persisting the system feed list in store.
func NewManager(reg *packages.Registry, store *settings.Store, opts ...Option) *Manager {
	m := &Manager{
		reg:       reg,
		store:     store,
		log:       slog.Default(),
		installed: NewInstalledFeed(reg),
		dirs:      make(map[string]*DirectoryFeed),
	}
	for _, o := range opts {
		o(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Close stops every directory watcher.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// SystemLocations returns the persisted system feed locations.
func (m *Manager) SystemLocations(ctx context.Context) ([]string, error) {
	locs, _, err := m.store.StringList(ctx, locationsKey)
	return locs, err
}

// AddSystemLocation persists loc. It returns false when it was already
// present.
func (m *Manager) AddSystemLocation(ctx context.Context, loc string) (bool, error) {
	loc = NormalizeLocation(loc)
	m.saved.Lock()
	defer m.saved.Unlock()
	locs, err := m.SystemLocations(ctx)
	if err != nil {
		return false, err
	}
	if slices.Contains(locs, loc) {
		return false, nil
	}
	if err := m.store.SetStringList(ctx, locationsKey, append(locs, loc)); err != nil {
		return false, err
	}
	m.log.InfoContext(ctx, "feeds.system.add", slog.String("location", loc))
	return true, nil
}

// RemoveSystemLocation forgets loc. It returns false when it was not
// present.
func (m *Manager) RemoveSystemLocation(ctx context.Context, loc string) (bool, error) {
	loc = NormalizeLocation(loc)
	m.saved.Lock()
	defer m.saved.Unlock()
	locs, err := m.SystemLocations(ctx)
	if err != nil {
		return false, err
	}
	i := slices.Index(locs, loc)
	if i < 0 {
		return false, nil
	}
	if err := m.store.SetStringList(ctx, locationsKey, slices.Delete(locs, i, i+1)); err != nil {
		return false, err
	}
	m.log.InfoContext(ctx, "feeds.system.remove", slog.String("location", loc))
	return true, nil
}

// Directory returns the directory feed for loc, opening and watching it on
// first use.
func (m *Manager) Directory(loc string) (*DirectoryFeed, error) {
	loc = NormalizeLocation(loc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.dirs[loc]; ok {
		return f, nil
	}
	f, err := NewDirectoryFeed(m.reg, loc, m.log)
	if err != nil {
		return nil, err
	}
	m.dirs[loc] = f
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := f.Watch(m.ctx, nil); err != nil {
			m.log.Warn("feeds.watch.err", slog.String("location", loc), slog.String("err", err.Error()))
		}
	}()
	return f, nil
}

func (m *Manager) feed(loc string, s *SessionFeeds) (Feed, error) {
	switch {
	case m.installed.IsLocationMatch(loc):
		return m.installed, nil
	case s != nil && s.feed.IsLocationMatch(loc):
		return s.feed, nil
	}
	return m.Directory(loc)
}

// List describes the system feeds and the feeds s added.
func (m *Manager) List(ctx context.Context, s *SessionFeeds) ([]FeedInfo, error) {
	system, err := m.SystemLocations(ctx)
	if err != nil {
		return nil, err
	}
	var out []FeedInfo
	describe := func(loc string, session bool) {
		info := FeedInfo{Location: loc, Session: session}
		if s != nil {
			info.Suppressed = s.IsSuppressed(loc)
		}
		if f, err := m.Directory(loc); err == nil {
			info.Validated = true
			info.LastScanned = f.LastScanned()
		}
		out = append(out, info)
	}
	for _, loc := range system {
		describe(loc, false)
	}
	if s != nil {
		for _, loc := range s.Locations() {
			if !slices.Contains(system, loc) {
				describe(loc, true)
			}
		}
	}
	return out, nil
}

// FindPackages searches the feeds visible to s: installed packages, the
// session feed, unsuppressed system feeds and the session's own feeds.
// Results are de-duplicated.
func (m *Manager) FindPackages(ctx context.Context, s *SessionFeeds, q Query) ([]*packages.Package, error) {
	var sources []Feed
	if q.Location != "" {
		f, err := m.feed(q.Location, s)
		if err != nil {
			return nil, err
		}
		sources = []Feed{f}
	} else {
		sources = append(sources, m.installed)
		if s != nil {
			sources = append(sources, s.feed)
		}
		system, err := m.SystemLocations(ctx)
		if err != nil {
			return nil, err
		}
		locs := system
		if s != nil {
			locs = append(slices.Clone(system), s.Locations()...)
		}
		for _, loc := range locs {
			if s != nil && s.IsSuppressed(loc) {
				continue
			}
			f, err := m.Directory(loc)
			if err != nil {
				m.log.DebugContext(ctx, "feeds.open.skip", slog.String("location", loc), slog.String("err", err.Error()))
				continue
			}
			sources = append(sources, f)
		}
	}

	seen := make(map[*packages.Package]bool)
	var out []*packages.Package
	for _, f := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d, ok := f.(*DirectoryFeed); ok && q.ForceScan {
			d.Invalidate()
		}
		found, err := f.FindPackages(ctx, q.Filter)
		if err != nil {
			m.log.WarnContext(ctx, "feeds.find.err", slog.String("location", f.Location()), slog.String("err", err.Error()))
			continue
		}
		for _, p := range found {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// SessionFeeds is the feed state private to one session.
type SessionFeeds struct {
	feed *SessionFeed

	mu         sync.Mutex
	locations  []string
	suppressed []string
}

// NewSessionFeeds returns empty session feed state.
func NewSessionFeeds() *SessionFeeds { return &SessionFeeds{feed: NewSessionFeed()} }

// Feed is the session's recognized-packages feed.
func (s *SessionFeeds) Feed() *SessionFeed { return s.feed }

// AddLocation adds a session feed location. It returns false for a
// duplicate.
func (s *SessionFeeds) AddLocation(loc string) bool {
	loc = NormalizeLocation(loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.locations, loc) {
		return false
	}
	s.locations = append(s.locations, loc)
	return true
}

// RemoveLocation drops a session feed location. It returns false when the
// location was not present.
func (s *SessionFeeds) RemoveLocation(loc string) bool {
	loc = NormalizeLocation(loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.locations, loc)
	if i < 0 {
		return false
	}
	s.locations = slices.Delete(s.locations, i, i+1)
	return true
}

// Locations returns the session feed locations.
func (s *SessionFeeds) Locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.locations)
}

// Suppress hides loc from this session's searches. It returns false when
// loc was already suppressed.
func (s *SessionFeeds) Suppress(loc string) bool {
	loc = NormalizeLocation(loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.suppressed, loc) {
		return false
	}
	s.suppressed = append(s.suppressed, loc)
	return true
}

// IsSuppressed reports whether loc is hidden from this session.
func (s *SessionFeeds) IsSuppressed(loc string) bool {
	loc = NormalizeLocation(loc)
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.suppressed, loc)
}
