// Package signals publishes the engine's lifecycle to other local
// processes. State is exposed as marker files under <RunDir>/signals and
// the package install history is kept in the Information settings.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/settings"
)

// Marker file names.
const (
	Available         = "available"
	StartingUp        = "starting-up"
	ShuttingDown      = "shutting-down"
	ShutdownRequested = "shutdown-requested"
)

// Information keys.
const (
	InstalledPackagesKey = "#InstalledPackages"
	RemovedPackagesKey   = "#RemovedPackages"
	StartupPercentKey    = "#StartupPercentComplete"
)

var states = []string{Available, StartingUp, ShuttingDown}

// Option customizes Signals.
type Option func(*Signals)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Signals) {
		if l != nil {
			s.log = l
		}
	}
}

// Signals owns the marker directory and the install history.
type Signals struct {
	dir  string
	info *settings.Store
	log  *slog.Logger

	// mu serializes marker transitions so at most one state file exists.
	mu sync.Mutex
	// historyMu serializes read-modify-write of the history lists.
	historyMu sync.Mutex
}

// New returns Signals writing markers under runDir/signals and history into
// info.
func New(runDir string, info *settings.Store, opts ...Option) *Signals {
	s := &Signals{
		dir:  filepath.Join(runDir, "signals"),
		info: info,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the marker directory.
func (s *Signals) Dir() string { return s.dir }

// Set makes state the only lifecycle marker present.
func (s *Signals) Set(state string) error {
	if !slices.Contains(states, state) {
		return fmt.Errorf("signals: unknown state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	for _, other := range states {
		if other != state {
			if err := s.remove(other); err != nil {
				return err
			}
		}
	}
	if err := os.WriteFile(filepath.Join(s.dir, state), nil, 0o644); err != nil {
		return err
	}
	s.log.Info("signals.state", slog.String("state", state))
	return nil
}

// State returns the current lifecycle marker, or "" when none is present.
func (s *Signals) State() string {
	for _, state := range states {
		if s.exists(state) {
			return state
		}
	}
	return ""
}

// Clear removes every marker.
func (s *Signals) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, name := range append(slices.Clone(states), ShutdownRequested) {
		errs = append(errs, s.remove(name))
	}
	return errors.Join(errs...)
}

// RequestShutdown raises the shutdown-requested marker.
func (s *Signals) RequestShutdown() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, ShutdownRequested), nil, 0o644)
}

// IsShutdownRequested reports whether the shutdown-requested marker exists.
func (s *Signals) IsShutdownRequested() bool { return s.exists(ShutdownRequested) }

// ResetShutdownRequest lowers the shutdown-requested marker.
func (s *Signals) ResetShutdownRequest() error { return s.remove(ShutdownRequested) }

func (s *Signals) exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

func (s *Signals) remove(name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WatchShutdownRequests calls fn whenever the shutdown-requested marker is
// created, until ctx is done.
func (s *Signals) WatchShutdownRequests(ctx context.Context, fn func()) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
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
			if filepath.Base(ev.Name) == ShutdownRequested && ev.Has(fsnotify.Create) {
				s.log.Info("signals.shutdown.requested")
				fn()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("signals.watch.err", slog.String("err", err.Error()))
		}
	}
}

// SetStartupProgress records startup progress.
func (s *Signals) SetStartupProgress(ctx context.Context, percent int) error {
	return s.info.SetInt64(ctx, StartupPercentKey, int64(percent))
}

// StartupProgress returns the last recorded startup progress.
func (s *Signals) StartupProgress(ctx context.Context) (int, error) {
	v, _, err := s.info.Int64(ctx, StartupPercentKey)
	return int(v), err
}

// Track records install and removal of reg's packages in the history.
func (s *Signals) Track(reg *packages.Registry) {
	reg.OnInstallChange(func(p *packages.Package, installed bool) {
		key := RemovedPackagesKey
		if installed {
			key = InstalledPackagesKey
		}
		if err := s.record(context.Background(), key, p.CanonicalName()); err != nil {
			s.log.Warn("signals.history.err", slog.String("package", p.CanonicalName()), slog.String("err", err.Error()))
		}
	})
}

func (s *Signals) record(ctx context.Context, key, name string) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	list, _, err := s.info.StringList(ctx, key)
	if err != nil && !errors.Is(err, settings.ErrTypeMismatch) {
		return err
	}
	if slices.Contains(list, name) {
		return nil
	}
	return s.info.SetStringList(ctx, key, append(list, name))
}

// InstalledPackages returns every package recorded as installed.
func (s *Signals) InstalledPackages(ctx context.Context) ([]string, error) {
	list, _, err := s.info.StringList(ctx, InstalledPackagesKey)
	return list, err
}

// RemovedPackages returns every package recorded as removed.
func (s *Signals) RemovedPackages(ctx context.Context) ([]string, error) {
	list, _, err := s.info.StringList(ctx, RemovedPackagesKey)
	return list, err
}
