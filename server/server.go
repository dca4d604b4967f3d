// Package server assembles the engine service: the package registry, feeds,
// policies, command engine, session registry, socket listener and lifecycle
// signals, and drives them through start, restart and stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/feeds"
	"github.com/ggoodman/pkgd/internal/engine"
	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/listener"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/packages/archive"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
	"github.com/ggoodman/pkgd/settings"
	"github.com/ggoodman/pkgd/signals"
	"github.com/ggoodman/pkgd/signature"
	"github.com/ggoodman/pkgd/storage"
)

// DefaultDrainTimeout bounds how long Restart waits for sessions to end on
// their own.
const DefaultDrainTimeout = 30 * time.Second

// Settings sub-trees.
const (
	packagesKey    = "Packages"
	feedsKey       = "Feeds"
	policiesKey    = "Policies"
	informationKey = "Information"
)

// Config holds the service's paths and tunables. Zero durations and counts
// fall back to the component defaults.
type Config struct {
	// RunDir holds the engine socket, response sockets and signal markers.
	RunDir string
	// Root is the package installation root.
	Root string
	// TrustedKeysDir holds *.pub publisher keys.
	TrustedKeysDir string
	// AllowUnsigned treats unsigned package files as valid.
	AllowUnsigned bool

	Slots            int
	HandshakeTimeout time.Duration
	DisconnectWait   time.Duration
	Heartbeat        time.Duration
	DrainTimeout     time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithLevels shares the set-logging switches with the caller's log handler.
func WithLevels(l *logctx.Levels) Option {
	return func(s *Server) {
		if l != nil {
			s.levels = l
		}
	}
}

// WithResolver overrides the account resolver.
func WithResolver(r policy.Resolver) Option {
	return func(s *Server) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithHandler overrides the package format handler.
func WithHandler(h packages.FormatHandler) Option {
	return func(s *Server) {
		if h != nil {
			s.handler = h
		}
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseReady
	phaseStopping
	phaseStopped
)

// Server is one engine service instance.
type Server struct {
	cfg      Config
	log      *slog.Logger
	levels   *logctx.Levels
	resolver policy.Resolver
	handler  packages.FormatHandler

	store    *settings.Store
	reg      *packages.Registry
	feeds    *feeds.Manager
	policies *policy.Store
	verifier *signature.Verifier
	engine   *engine.Engine
	sessions *sessions.Registry
	listener *listener.Listener
	signals  *signals.Signals

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	phase   phase
	percent int

	stopReq     chan struct{}
	stopReqOnce sync.Once
	stopOnce    sync.Once
	stopErr     error
}

// New wires a Server over backend.
func New(backend storage.Storage, cfg Config, opts ...Option) (*Server, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("server: run directory is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("server: package root is required")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Server{
		cfg:      cfg,
		log:      slog.Default(),
		levels:   logctx.NewLevels(),
		resolver: policy.OSResolver{},
		stopReq:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = archive.NewHandler(archive.WithLogger(s.log))
	}

	s.store = settings.New(backend)
	s.reg = packages.NewRegistry(s.store.Sub(packagesKey),
		packages.WithHandler(s.handler),
		packages.WithLayout(packages.Layout{Root: cfg.Root}),
		packages.WithLogger(s.log))
	s.feeds = feeds.NewManager(s.reg, s.store.Sub(feedsKey), feeds.WithLogger(s.log))
	s.policies = policy.NewStore(s.store.Sub(policiesKey), s.resolver, policy.WithLogger(s.log))

	vopts := []signature.Option{signature.WithLogger(s.log)}
	if cfg.AllowUnsigned {
		vopts = append(vopts, signature.WithUnsignedAllowed())
	}
	s.verifier = signature.NewVerifier(vopts...)

	s.engine = engine.New(s.reg, s.policies, s.feeds,
		engine.WithLogger(s.log),
		engine.WithVerifier(s.verifier),
		engine.WithLevels(s.levels),
		engine.WithStatus(s.Status),
		engine.WithStopFunc(s.RequestStop))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sessions = sessions.NewRegistry(s.ctx, s.engine,
		sessions.WithLogger(s.log),
		sessions.WithDisconnectWait(cfg.DisconnectWait),
		sessions.WithHeartbeat(cfg.Heartbeat))

	s.listener = listener.New(cfg.RunDir, s.sessions, s.policies, s.resolver,
		listener.WithLogger(s.log),
		listener.WithSlots(cfg.Slots),
		listener.WithHandshakeTimeout(cfg.HandshakeTimeout),
		listener.WithFaultHandler(func(err error) {
			s.log.Error("server.listener.fault", slog.String("err", err.Error()))
			s.RequestStop()
		}))

	s.signals = signals.New(cfg.RunDir, s.store.Sub(informationKey), signals.WithLogger(s.log))
	s.signals.Track(s.reg)
	return s, nil
}

// SocketPath is where clients connect.
func (s *Server) SocketPath() string { return s.listener.Path() }

// Signals exposes the lifecycle markers.
func (s *Server) Signals() *signals.Signals { return s.signals }

// Status reports the service phase for get-engine-status.
func (s *Server) Status() protocol.EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.EngineStatus{
		Ready:           s.phase == phaseReady,
		Starting:        s.phase == phaseStarting,
		ShuttingDown:    s.phase == phaseStopping || s.phase == phaseStopped,
		PercentComplete: s.percent,
	}
}

func (s *Server) setPhase(p phase, percent int) {
	s.mu.Lock()
	s.phase, s.percent = p, percent
	s.mu.Unlock()
}

// Start raises the starting-up marker, opens the socket, loads trusted keys
// and system feeds, then marks the engine available.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != phaseIdle {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	s.phase = phaseStarting
	s.mu.Unlock()

	start := time.Now()
	if err := s.signals.Set(signals.StartingUp); err != nil {
		return fmt.Errorf("server: signal: %w", err)
	}
	if err := s.signals.ResetShutdownRequest(); err != nil {
		return fmt.Errorf("server: signal: %w", err)
	}
	if err := s.listener.Start(s.ctx); err != nil {
		_ = s.signals.Clear()
		return err
	}
	go func() {
		if err := s.signals.WatchShutdownRequests(s.ctx, s.RequestStop); err != nil {
			s.log.Warn("server.signals.watch.err", slog.String("err", err.Error()))
		}
	}()

	if s.cfg.TrustedKeysDir != "" {
		n, err := s.verifier.LoadDir(s.cfg.TrustedKeysDir)
		if err != nil {
			s.log.Warn("server.keys.err", slog.String("dir", s.cfg.TrustedKeysDir), slog.String("err", err.Error()))
		}
		s.log.Info("server.keys.ok", slog.Int("trusted", n))
	}

	if err := s.loadFeeds(ctx); err != nil {
		s.log.Warn("server.feeds.err", slog.String("err", err.Error()))
	}

	if err := s.signals.Set(signals.Available); err != nil {
		return fmt.Errorf("server: signal: %w", err)
	}
	s.setPhase(phaseReady, 100)
	if err := s.signals.SetStartupProgress(ctx, 100); err != nil {
		s.log.Warn("server.progress.err", slog.String("err", err.Error()))
	}
	s.log.Info("server.start.ok", slog.String("socket", s.SocketPath()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

// loadFeeds opens every system feed so its packages are known before the
// first client asks.
func (s *Server) loadFeeds(ctx context.Context) error {
	locs, err := s.feeds.SystemLocations(ctx)
	if err != nil {
		return err
	}
	for i, loc := range locs {
		if _, err := s.feeds.Directory(loc); err != nil {
			s.log.Warn("server.feed.err", slog.String("location", loc), slog.String("err", err.Error()))
		}
		percent := (i + 1) * 100 / len(locs)
		s.setPhase(phaseStarting, percent)
		if err := s.signals.SetStartupProgress(ctx, percent); err != nil {
			return err
		}
	}
	return nil
}

// RequestStop asks Run to stop the service. It never blocks.
func (s *Server) RequestStop() {
	s.stopReqOnce.Do(func() {
		s.log.Info("server.stop.requested")
		close(s.stopReq)
	})
}

// StopRequested is closed once RequestStop has been called.
func (s *Server) StopRequested() <-chan struct{} { return s.stopReq }

// Restart stops accepting, gives live sessions the drain timeout to end,
// cancels whatever remains and accepts again.
func (s *Server) Restart(ctx context.Context) error {
	s.log.Info("server.restart")
	if err := s.listener.Close(); err != nil {
		s.log.Warn("server.listener.close.err", slog.String("err", err.Error()))
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	err := s.sessions.WaitIdle(drainCtx)
	cancel()
	if err != nil {
		s.log.Info("server.restart.drain.timeout", slog.Int("sessions", s.sessions.Len()))
	}
	s.sessions.EndAll()

	return s.listener.Start(s.ctx)
}

// Stop raises the shutting-down marker, ends every session, closes the
// socket and finally clears the markers. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		start := time.Now()
		s.setPhase(phaseStopping, 0)
		var errs []error
		if err := s.signals.Set(signals.ShuttingDown); err != nil {
			errs = append(errs, err)
		}
		if err := s.listener.Close(); err != nil {
			errs = append(errs, err)
		}
		s.sessions.EndAll()
		s.feeds.Close()
		s.cancel()
		if err := s.signals.Clear(); err != nil {
			errs = append(errs, err)
		}
		s.setPhase(phaseStopped, 0)
		s.stopErr = errors.Join(errs...)
		s.log.Info("server.stop.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	})
	return s.stopErr
}

// Run starts the service and stops it when ctx is done or a stop is
// requested.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Stop()
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.stopReq:
	}
	return s.Stop()
}
