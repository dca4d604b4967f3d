// Package client talks to a running pkgd engine over its local socket.
//
// A Client performs the start-session handshake, stamps each request with a
// fresh rqid and routes every reply carrying that rqid to the request's
// Call until the engine reports task-complete. Envelopes that belong to no
// request (session-started, broadcasts) are delivered on Unsolicited.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/pkgd/listener"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
	"github.com/google/uuid"
)

const network = "unixpacket"

var (
	// ErrClosed indicates the client is closed.
	ErrClosed = errors.New("client: closed")
	// ErrNoSession is returned when the engine does not confirm the session.
	ErrNoSession = errors.New("client: session not started")
)

// Option customizes Dial.
type Option func(*options)

type options struct {
	clientID   string
	sessionID  string
	halfDuplex bool
	log        *slog.Logger
}

// WithClientID sets the client name sent in start-session.
func WithClientID(id string) Option { return func(o *options) { o.clientID = id } }

// WithSessionID resumes or names a session. The default is a random id.
func WithSessionID(id string) Option { return func(o *options) { o.sessionID = id } }

// WithHalfDuplex receives events on a separate response socket.
func WithHalfDuplex() Option { return func(o *options) { o.halfDuplex = true } }

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Client is one session with the engine.
type Client struct {
	conn *net.UnixConn
	resp *net.UnixConn
	log  *slog.Logger

	clientID  string
	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Call
	nextID  uint64

	unsolicited chan *protocol.Envelope
	started     chan struct{}
	startOnce   sync.Once

	closed    atomic.Bool
	closeErr  error
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// Dial connects to the engine socket in runDir and waits for the session to
// start.
func Dial(ctx context.Context, runDir string, opts ...Option) (*Client, error) {
	o := options{clientID: "pkgctl", sessionID: uuid.NewString(), log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	path := filepath.Join(runDir, listener.SocketName)
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	conn := raw.(*net.UnixConn)

	c := &Client{
		conn:        conn,
		log:         o.log,
		clientID:    o.clientID,
		sessionID:   o.sessionID,
		pending:     make(map[string]*Call),
		unsolicited: make(chan *protocol.Envelope, 32),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}

	start := protocol.New(protocol.CmdStartSession).Set("client", o.clientID).Set("id", o.sessionID)
	if o.halfDuplex {
		start.SetBool("async", false)
	}
	if err := c.write(start); err != nil {
		_ = conn.Close()
		return nil, err
	}

	events := conn
	if o.halfDuplex {
		resp, err := dialResponse(ctx, listener.ResponsePath(runDir, o.sessionID))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		c.resp = resp
		events = resp
	}
	go c.readLoop(events)

	select {
	case <-c.started:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: %v", ErrNoSession, c.closeErr)
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// The engine creates the response socket only after reading start-session.
func dialResponse(ctx context.Context, path string) (*net.UnixConn, error) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		conn, err := net.DialUnix(network, nil, &net.UnixAddr{Name: path, Net: network})
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("client: response channel %s: %w", path, err)
		case <-tick.C:
		}
	}
}

// SessionID is the id sent in start-session.
func (c *Client) SessionID() string { return c.sessionID }

// Unsolicited delivers envelopes that belong to no request. Envelopes are
// dropped when nobody reads them.
func (c *Client) Unsolicited() <-chan *protocol.Envelope { return c.unsolicited }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Call is one in-flight request.
type Call struct {
	ID     string
	events chan *protocol.Envelope
	err    error

	quit     chan struct{}
	quitOnce sync.Once
}

// Events yields the request's replies. It is closed after task-complete or
// when the connection fails; Err then reports why.
func (call *Call) Events() <-chan *protocol.Envelope { return call.events }

// Err is the connection error that ended the call early, if any.
func (call *Call) Err() error { return call.err }

// Send stamps env with a new rqid and writes it.
func (c *Client) Send(env *protocol.Envelope) (*Call, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
	call := &Call{ID: id, events: make(chan *protocol.Envelope, 64), quit: make(chan struct{})}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(env.WithRequestID(id)); err != nil {
		c.Abandon(call)
		return nil, err
	}
	return call, nil
}

// Do sends env and collects every reply up to, but not including,
// task-complete.
func (c *Client) Do(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	call, err := c.Send(env)
	if err != nil {
		return nil, err
	}
	var out []*protocol.Envelope
	for {
		select {
		case ev, ok := <-call.events:
			if !ok {
				return out, call.err
			}
			out = append(out, ev)
		case <-ctx.Done():
			c.Abandon(call)
			return out, ctx.Err()
		}
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(env.Bytes()); err != nil {
		return fmt.Errorf("client: write %s: %w", env.Command, err)
	}
	return nil
}

// Abandon stops routing replies to call. The engine still runs the request.
func (c *Client) Abandon(call *Call) {
	c.mu.Lock()
	delete(c.pending, call.ID)
	c.mu.Unlock()
	call.quitOnce.Do(func() { close(call.quit) })
}

func (c *Client) readLoop(conn *net.UnixConn) {
	buf := make([]byte, sessions.MaxMessageSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.shutdown(err)
			return
		}
		if n == 0 {
			c.shutdown(ErrClosed)
			return
		}
		env, err := protocol.Parse(string(buf[:n]))
		if err != nil {
			c.log.Warn("client.parse.err", slog.String("err", err.Error()))
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env *protocol.Envelope) {
	switch env.Command {
	case protocol.EvtKeepAlive:
		return
	case protocol.EvtSessionStarted:
		c.startOnce.Do(func() { close(c.started) })
	}

	id := env.RequestID()
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok && env.Command == protocol.EvtTaskComplete {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		select {
		case c.unsolicited <- env:
		default:
			c.log.Debug("client.unsolicited.drop", slog.String("command", env.Command))
		}
		return
	}
	if env.Command == protocol.EvtTaskComplete {
		close(call.events)
		return
	}
	select {
	case call.events <- env:
	case <-call.quit:
	case <-c.closing:
	}
}

// shutdown runs on the reader goroutine, the only one that closes call
// channels.
func (c *Client) shutdown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	c.closeErr = err

	c.mu.Lock()
	for id, call := range c.pending {
		delete(c.pending, id)
		call.err = err
		close(call.events)
	}
	c.mu.Unlock()
	close(c.done)
}

// Close ends the connection and waits for the reader to stop. The engine
// keeps the session for its reconnect window.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.conn.Close()
	if c.resp != nil {
		if rerr := c.resp.Close(); err == nil {
			err = rerr
		}
	}
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
