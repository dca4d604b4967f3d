// Package listener accepts client connections on the engine's unixpacket
// socket, performs the start-session handshake and hands authenticated
// channels to the session registry.
//
// A fixed number of acceptor slots wait on the socket. Each accepted
// connection immediately starts a replacement slot before the handshake
// runs, so accept capacity stays constant while handshakes are slow.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
)

const (
	// SocketName is the engine socket's file name under the run directory.
	SocketName = "pkgd.sock"

	DefaultSlots            = 6
	DefaultHandshakeTimeout = 10 * time.Second

	network = "unixpacket"
)

// ErrHandshake is returned for connections that do not open with a valid
// start-session envelope.
var ErrHandshake = errors.New("listener: invalid handshake")

// IdentityResolver builds the caller identity from peer credentials.
// policy.Resolver satisfies it.
type IdentityResolver interface {
	Identity(uid, gid uint32) (policy.Identity, error)
}

// Attacher binds authenticated channels to sessions. *sessions.Registry
// satisfies it.
type Attacher interface {
	Attach(id sessions.Identity, in, out sessions.Conn) (*sessions.Session, bool)
}

// Option customizes a Listener.
type Option func(*Listener)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ln *Listener) {
		if l != nil {
			ln.log = l
		}
	}
}

// WithSlots sets the number of acceptor slots.
func WithSlots(n int) Option {
	return func(ln *Listener) {
		if n > 0 {
			ln.slots = n
		}
	}
}

// WithHandshakeTimeout bounds the start-session read and the wait for a
// response channel.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(ln *Listener) {
		if d > 0 {
			ln.handshakeTimeout = d
		}
	}
}

// WithFaultHandler sets the callback invoked when an acceptor slot fails for
// any reason other than shutdown. It is called at most once.
func WithFaultHandler(fn func(error)) Option {
	return func(ln *Listener) {
		if fn != nil {
			ln.onFault = fn
		}
	}
}

// Listener is the engine's connection acceptor.
type Listener struct {
	runDir   string
	sessions Attacher
	policies *policy.Store
	resolver IdentityResolver
	log      *slog.Logger

	slots            int
	handshakeTimeout time.Duration
	onFault          func(error)
	faultOnce        sync.Once
	peerCred         func(*net.UnixConn) (uid, gid uint32, err error)

	mu     sync.Mutex
	ln     *net.UnixListener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Listener serving sockets under runDir.
func New(runDir string, reg Attacher, policies *policy.Store, resolver IdentityResolver, opts ...Option) *Listener {
	l := &Listener{
		runDir:           runDir,
		sessions:         reg,
		policies:         policies,
		resolver:         resolver,
		log:              slog.Default(),
		slots:            DefaultSlots,
		handshakeTimeout: DefaultHandshakeTimeout,
		onFault:          func(error) {},
		peerCred:         peerCredentials,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path is the engine socket path.
func (l *Listener) Path() string { return filepath.Join(l.runDir, SocketName) }

// ResponsePath is the socket a half-duplex session with the given id
// receives its events on.
func (l *Listener) ResponsePath(sessionID string) string { return ResponsePath(l.runDir, sessionID) }

// ResponsePath is the half-duplex response socket for sessionID under runDir.
func ResponsePath(runDir, sessionID string) string {
	return filepath.Join(runDir, "pkgd-"+socketName(sessionID)+".sock")
}

func socketName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, id)
}

// Start opens the socket and launches the acceptor slots.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return errors.New("listener: already started")
	}

	if err := os.MkdirAll(l.runDir, 0o755); err != nil {
		return fmt.Errorf("listener: run directory: %w", err)
	}
	ln, err := listen(l.Path())
	if err != nil {
		return err
	}
	// Any local user may connect; the Connect policy decides who stays.
	if err := os.Chmod(l.Path(), 0o666); err != nil {
		l.log.Warn("listener.chmod.err", slog.String("err", err.Error()))
	}

	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.slots; i++ {
		l.spawn()
	}
	l.log.Info("listener.start", slog.String("path", l.Path()), slog.Int("slots", l.slots))
	return nil
}

func listen(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("listener: remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix(network, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, fmt.Errorf("listener: listen on %s: %w", path, err)
	}
	return ln, nil
}

// Close stops accepting and waits for in-flight handshakes. Established
// sessions are not affected.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	l.wg.Wait()
	if rerr := os.Remove(l.Path()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		l.log.Warn("listener.remove.err", slog.String("err", rerr.Error()))
	}
	l.log.Info("listener.stop")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) spawn() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptOne()
	}()
}

func (l *Listener) acceptOne() {
	l.mu.Lock()
	ln, ctx := l.ln, l.ctx
	l.mu.Unlock()
	if ln == nil {
		return
	}

	conn, err := ln.AcceptUnix()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return
		}
		l.log.Error("listener.accept.err", slog.String("err", err.Error()))
		l.faultOnce.Do(func() { l.onFault(err) })
		return
	}
	l.spawn()

	if err := l.handshake(ctx, conn); err != nil {
		l.log.Info("listener.handshake.err", slog.String("err", err.Error()))
		_ = conn.Close()
	}
}

func (l *Listener) handshake(ctx context.Context, conn *net.UnixConn) error {
	deadline := time.Now().Add(l.handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, sessions.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if n >= sessions.MaxMessageSize {
		return fmt.Errorf("%w: message too large", ErrHandshake)
	}
	env, err := protocol.Parse(string(buf[:n]))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	clientID, sessionID := env.Get("client"), env.Get("id")
	if env.Command != protocol.CmdStartSession || clientID == "" || sessionID == "" {
		return fmt.Errorf("%w: %s", ErrHandshake, env.Command)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	uid, gid, err := l.peerCred(conn)
	if err != nil {
		return err
	}
	user, err := l.resolver.Identity(uid, gid)
	if err != nil {
		return fmt.Errorf("listener: resolve uid %d: %w", uid, err)
	}
	connect, err := l.policies.Get(policy.Connect)
	if err != nil {
		return err
	}
	if !connect.HasPermission(ctx, user) {
		l.log.Warn("listener.connect.denied", slog.String("user", user.UserName))
		return fmt.Errorf("listener: %s may not connect", user.UserName)
	}

	var out sessions.Conn
	if async := env.Bool("async"); async != nil && !*async {
		resp, err := l.acceptResponse(sessionID, uid, deadline)
		if err != nil {
			return err
		}
		out = resp
	}

	id := sessions.Identity{
		Key:  sessions.Key{ClientID: clientID, SessionID: sessionID},
		User: user,
	}
	_, reconnected := l.sessions.Attach(id, conn, out)
	l.log.Info("listener.session",
		slog.String("session_id", sessionID),
		slog.String("client_id", clientID),
		slog.String("user", user.UserName),
		slog.Bool("half_duplex", out != nil),
		slog.Bool("reconnected", reconnected))
	return nil
}

// acceptResponse opens the per-session response socket and waits for the
// client to connect to it. Peers running as a different uid than the
// request channel are turned away until the deadline.
func (l *Listener) acceptResponse(sessionID string, uid uint32, deadline time.Time) (*net.UnixConn, error) {
	path := l.ResponsePath(sessionID)
	ln, err := listen(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(path)
	}()
	if err := os.Chmod(path, 0o666); err != nil {
		l.log.Warn("listener.chmod.err", slog.String("err", err.Error()))
	}
	if err := ln.SetDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return nil, fmt.Errorf("listener: response channel: %w", err)
		}
		peer, _, err := l.peerCred(conn)
		if err == nil && peer == uid {
			return conn, nil
		}
		l.log.Warn("listener.response.rejected",
			slog.String("session_id", sessionID),
			slog.Uint64("uid", uint64(peer)))
		_ = conn.Close()
	}
}
