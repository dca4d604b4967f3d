// Package engine executes client commands against the package model. It
// implements sessions.Dispatcher: each received envelope is routed to one
// handler, gated by the relevant policy, and answered with events stamped
// with the request's rqid.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/feeds"
	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/internal/recognize"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
)

const defaultPollInterval = 500 * time.Millisecond

// Engine routes commands to handlers.
type Engine struct {
	reg      *packages.Registry
	policies *policy.Store
	feeds    *feeds.Manager
	verifier packages.Verifier
	levels   *logctx.Levels
	status   func() protocol.EngineStatus
	stop     func()
	log      *slog.Logger

	pollInterval time.Duration

	// installMu serializes payload installs across sessions.
	installMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithVerifier sets the signature verifier used to validate package files
// before install. Without one no file validates.
func WithVerifier(v packages.Verifier) Option { return func(e *Engine) { e.verifier = v } }

// WithLevels sets the log switches flipped by set-logging.
func WithLevels(l *logctx.Levels) Option {
	return func(e *Engine) {
		if l != nil {
			e.levels = l
		}
	}
}

// WithStatus sets the source of get-engine-status replies.
func WithStatus(fn func() protocol.EngineStatus) Option {
	return func(e *Engine) {
		if fn != nil {
			e.status = fn
		}
	}
}

// WithStopFunc sets what stop-service calls.
func WithStopFunc(fn func()) Option {
	return func(e *Engine) {
		if fn != nil {
			e.stop = fn
		}
	}
}

// WithPollInterval sets how often a waiting install re-checks download
// progress and cancellation.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// New returns an Engine over the given registry, policies and feeds.
func New(reg *packages.Registry, policies *policy.Store, fm *feeds.Manager, opts ...Option) *Engine {
	e := &Engine{
		reg:          reg,
		policies:     policies,
		feeds:        fm,
		levels:       logctx.NewLevels(),
		status:       func() protocol.EngineStatus { return protocol.EngineStatus{Ready: true, PercentComplete: 100} },
		stop:         func() {},
		log:          slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// sessionState is the engine's per-session data, cached on the session.
type sessionState struct {
	table *packages.SessionTable
	feeds *feeds.SessionFeeds
	recog *recognize.Recognizer
}

func (st *sessionState) Close() { st.recog.Close() }

func (e *Engine) state(s *sessions.Session) *sessionState {
	return sessions.Value(s, func() *sessionState {
		return &sessionState{
			table: packages.NewSessionTable(s, e.verifier),
			feeds: feeds.NewSessionFeeds(),
			recog: recognize.New(e.reg, s, e.reg.Layout().CacheDir()),
		}
	})
}

// call is one dispatched envelope.
type call struct {
	s     *sessions.Session
	env   *protocol.Envelope
	rqid  string
	state *sessionState
	// table reports validation events under this call's rqid.
	table *packages.SessionTable
	rt    *packages.RequestTable
}

// Emit sends ev to the caller, correlated with the request.
func (c *call) Emit(ev protocol.Event) { c.s.Emit(protocol.WithRequestID(ev, c.rqid)) }

func (c *call) argError(param, format string, args ...any) {
	c.Emit(protocol.ArgumentError{Message: c.env.Command, Parameter: param, Reason: fmt.Sprintf(format, args...)})
}

func (c *call) warning(param, format string, args ...any) {
	c.Emit(protocol.Warning{Message: c.env.Command, Parameter: param, Reason: fmt.Sprintf(format, args...)})
}

// Dispatch implements sessions.Dispatcher.
func (e *Engine) Dispatch(ctx context.Context, s *sessions.Session, env *protocol.Envelope) (sessions.Pending, error) {
	st := e.state(s)
	c := &call{s: s, env: env, rqid: env.RequestID(), state: st, rt: packages.NewRequestTable()}
	c.table = st.table.WithEmitter(c)

	switch env.Command {
	case protocol.CmdFindPackages:
		return e.async(ctx, c, e.handleFindPackages)
	case protocol.CmdGetPackageDetails:
		return e.async(ctx, c, e.handleGetPackageDetails)
	case protocol.CmdInstallPackage:
		return e.async(ctx, c, e.handleInstallPackage)
	case protocol.CmdDownloadProgress:
		return e.async(ctx, c, e.handleDownloadProgress)
	case protocol.CmdRecognizeFile:
		return e.async(ctx, c, e.handleRecognizeFile)
	case protocol.CmdUnableToAcquire:
		return e.async(ctx, c, e.handleUnableToAcquire)
	case protocol.CmdRemovePackage:
		return e.async(ctx, c, e.handleRemovePackage)
	case protocol.CmdSetPackage:
		return e.async(ctx, c, e.handleSetPackage)
	case protocol.CmdVerifyFileSignature:
		return e.async(ctx, c, e.handleVerifyFileSignature)
	case protocol.CmdAddFeed:
		return e.async(ctx, c, e.handleAddFeed)
	case protocol.CmdRemoveFeed:
		return e.async(ctx, c, e.handleRemoveFeed)
	case protocol.CmdFindFeeds:
		return e.async(ctx, c, e.handleFindFeeds)
	case protocol.CmdSuppressFeed:
		return e.async(ctx, c, e.handleSuppressFeed)
	case protocol.CmdGetPolicy:
		return nil, e.handleGetPolicy(ctx, c)
	case protocol.CmdAddToPolicy:
		return nil, e.handleAddToPolicy(ctx, c)
	case protocol.CmdRemoveFromPolicy:
		return nil, e.handleRemoveFromPolicy(ctx, c)
	case protocol.CmdSymlink:
		return nil, e.handleSymlink(ctx, c)
	case protocol.CmdStopService:
		return nil, e.handleStopService(ctx, c)
	case protocol.CmdGetEngineStatus:
		return nil, e.handleGetEngineStatus(ctx, c)
	case protocol.CmdSetLogging:
		return nil, e.handleSetLogging(ctx, c)
	}

	e.log.InfoContext(ctx, "engine.dispatch.unknown")
	c.Emit(protocol.UnknownCommand{Command: env.Command, RequestID: c.rqid})
	return nil, nil
}

func (e *Engine) async(ctx context.Context, c *call, fn func(context.Context, *call) error) (sessions.Pending, error) {
	return c.s.Go(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := fn(ctx, c)
		if err != nil {
			e.log.WarnContext(ctx, "engine.dispatch.err", slog.String("err", err.Error()))
			return err
		}
		e.log.DebugContext(ctx, "engine.dispatch.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil
	}), nil
}

// allowed checks the named policy for the caller, answering
// operation-requires-permission when it is not satisfied.
func (e *Engine) allowed(ctx context.Context, c *call, name string) bool {
	p, err := e.policies.Get(name)
	if err == nil && p.HasPermission(ctx, c.s.User()) {
		return true
	}
	e.log.InfoContext(ctx, "engine.permission.denied", slog.String("policy", name))
	c.Emit(protocol.PermissionRequired{CurrentUserName: c.s.User().UserName, Policy: name})
	return false
}

// singlePackage resolves the canonical name in param. Malformed names are
// answered with an argument error; unknown packages yield nil.
func (e *Engine) singlePackage(ctx context.Context, c *call, param string) *packages.Package {
	raw := c.env.Get(param)
	id, err := packages.ParseCanonicalName(raw)
	if err != nil {
		c.argError(param, "Canonical name '%s' does not appear to be a valid canonical name", raw)
		return nil
	}
	if p, ok := e.reg.ByCanonicalName(id.CanonicalName()); ok {
		return p
	}
	filter := packages.Filter{Name: id.Name, Version: id.Version.String(), Arch: id.Architecture.String(), PublicKeyToken: id.PublicKeyToken}
	found, err := e.feeds.FindPackages(ctx, c.state.feeds, feeds.Query{Filter: filter})
	if err != nil {
		return nil
	}
	for _, p := range found {
		if p.CanonicalName() == id.CanonicalName() {
			return p
		}
	}
	return nil
}

// packageInfo renders p for found-package.
func packageInfo(ctx context.Context, p *packages.Package, table *packages.SessionTable, supercedents []*packages.Package) protocol.FoundPackage {
	info := protocol.FoundPackage{
		CanonicalName:       p.CanonicalName(),
		LocalLocation:       p.Internal().LocalLocation(),
		Name:                p.Name(),
		Version:             p.Version().String(),
		Arch:                p.Architecture().String(),
		PublicKeyToken:      p.PublicKeyToken(),
		Installed:           p.IsInstalled(),
		Blocked:             p.IsBlocked(ctx),
		Required:            p.IsRequired(ctx, table),
		ClientRequired:      p.IsClientRequired(ctx),
		Active:              p.IsActive(ctx),
		Dependent:           table.For(p).IsDependency(),
		RemoteLocations:     p.Internal().RemoteLocations(),
		Dependencies:        canonicalNames(p.Internal().Dependencies()),
		SupercedentPackages: canonicalNames(supercedents),
	}
	if code := p.ProductCode(); code != [16]byte{} {
		info.ProductCode = code.String()
	}
	return info
}

func canonicalNames(ps []*packages.Package) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.CanonicalName())
	}
	return out
}

// paginate applies the index and max-results parameters.
func paginate[T any](c *call, items []T) []T {
	if i := c.env.Int("index"); i != nil && *i > 0 {
		if *i >= len(items) {
			return nil
		}
		items = items[*i:]
	}
	if n := c.env.Int("max-results"); n != nil && *n >= 0 && *n < len(items) {
		items = items[:*n]
	}
	return items
}
