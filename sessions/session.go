package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

// MaxMessageSize is the read buffer size. A read filling the whole buffer
// is rejected.
const MaxMessageSize = 8192

// State is the lifecycle state of a Session.
type State int32

const (
	Connected State = iota
	Disconnected
	Ended
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is a message-oriented channel: each Read returns one message and
// each Write sends one. net.Conn values over unixpacket sockets qualify.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Key identifies a session within a Registry.
type Key struct {
	ClientID  string
	SessionID string
}

// Identity is the full identity tuple of a session.
type Identity struct {
	Key
	User policy.Identity
}

// Matches reports whether other may reattach to a session with identity id.
func (id Identity) Matches(other Identity) bool {
	return id.Key == other.Key && id.User.UID == other.User.UID && id.User.Elevated == other.User.Elevated
}

// Pending completes when an asynchronous operation settles, yielding its
// error. A nil Pending marks a command that finished synchronously.
type Pending <-chan error

// Dispatcher executes one received envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, env *protocol.Envelope) (Pending, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, s *Session, env *protocol.Envelope) (Pending, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, s *Session, env *protocol.Envelope) (Pending, error) {
	return f(ctx, s, env)
}

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Session is one client's server-side state.
type Session struct {
	id  Identity
	reg *Registry
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	halfDuplex bool

	mu             sync.Mutex
	state          State
	in, out        Conn
	disconnectedAt time.Time
	reconnected    chan struct{}
	queue          []*protocol.Envelope
	drained        chan struct{}
	values         map[reflect.Type]any
	tempFiles      []string

	wake    chan struct{}
	endOnce sync.Once
}

func newSession(reg *Registry, id Identity, in, out Conn) *Session {
	if out == nil {
		out = in
	}
	s := &Session{
		id:          id,
		reg:         reg,
		halfDuplex:  out != in,
		in:          in,
		out:         out,
		reconnected: make(chan struct{}),
		drained:     closedChan(),
		values:      make(map[reflect.Type]any),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	ctx := logctx.WithSessionData(reg.ctx, &logctx.SessionData{
		SessionID: id.SessionID,
		ClientID:  id.ClientID,
		UserName:  id.User.UserName,
		Elevated:  id.User.Elevated,
	})
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log = reg.log
	return s
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (s *Session) start() {
	s.Emit(protocol.SessionStarted{SessionID: s.id.SessionID})
	s.reg.wg.Add(3)
	go func() {
		defer s.reg.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer s.reg.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.reg.wg.Done()
		select {
		case <-s.ctx.Done():
			s.End()
		case <-s.done:
		}
	}()
}

// ID is the client-chosen session id.
func (s *Session) ID() string { return s.id.SessionID }

// ClientID is the client-chosen client id.
func (s *Session) ClientID() string { return s.id.ClientID }

// Identity is the session's identity tuple.
func (s *Session) Identity() Identity { return s.id }

// User is the resolved identity of the connected user.
func (s *Session) User() policy.Identity { return s.id.User }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsHalfDuplex reports whether responses travel on a separate channel.
func (s *Session) IsHalfDuplex() bool { return s.halfDuplex }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued outbound envelopes.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Emit queues ev for delivery. Events emitted after the session ended are
// dropped.
func (s *Session) Emit(ev protocol.Event) {
	env := ev.Envelope()
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.drained = make(chan struct{})
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WaitDrained blocks until the outbound queue is empty or ctx is done.
func (s *Session) WaitDrained(ctx context.Context) error {
	s.mu.Lock()
	ch := s.drained
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for s.writeOne() {
		}
	}
}

// writeOne writes the head of the queue. It reports whether another write
// should follow.
func (s *Session) writeOne() bool {
	s.mu.Lock()
	if s.state != Connected || len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	env, out := s.queue[0], s.out
	s.mu.Unlock()

	if _, err := out.Write(env.Bytes()); err != nil {
		s.log.DebugContext(s.ctx, "session.write.err", slog.String("err", err.Error()))
		s.disconnect(out)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A reconnect may have queued session-started ahead of env.
	if i := slices.Index(s.queue, env); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
	if len(s.queue) == 0 {
		close(s.drained)
		s.drained = closedChan()
	}
	return true
}

func (s *Session) disconnect(c Conn) {
	s.mu.Lock()
	if s.state != Connected || (c != s.in && c != s.out) {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.disconnectedAt = time.Now()
	in, out := s.in, s.out
	s.mu.Unlock()

	closeConns(in, out)
	s.log.InfoContext(s.ctx, "session.disconnect", slog.Int("queued", s.Pending()))
}

func closeConns(in, out Conn) {
	if in != nil {
		_ = in.Close()
	}
	if out != nil && out != in {
		_ = out.Close()
	}
}

// attach swaps in new channels and resends session-started ahead of the
// queued events.
func (s *Session) attach(in, out Conn) bool {
	if out == nil {
		out = in
	}
	s.mu.Lock()
	if s.state == Ended {
		s.mu.Unlock()
		return false
	}
	oldIn, oldOut := s.in, s.out
	s.in, s.out = in, out
	s.halfDuplex = out != in
	s.state = Connected
	if len(s.queue) == 0 {
		s.drained = make(chan struct{})
	}
	s.queue = slices.Insert(s.queue, 0, protocol.SessionStarted{SessionID: s.id.SessionID}.Envelope())
	close(s.reconnected)
	s.reconnected = make(chan struct{})
	s.mu.Unlock()

	if oldIn != in {
		closeConns(oldIn, oldOut)
	}
	s.signal()
	s.log.InfoContext(s.ctx, "session.reconnect", slog.Int("queued", s.Pending()))
	return true
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) readLoop() {
	buf := make([]byte, MaxMessageSize)
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		state, in, half := s.state, s.in, s.halfDuplex
		reconnected, since := s.reconnected, s.disconnectedAt
		s.mu.Unlock()

		switch state {
		case Ended:
			return
		case Disconnected:
			remaining := s.reg.disconnectWait - time.Since(since)
			if remaining <= 0 {
				s.log.InfoContext(s.ctx, "session.disconnect.expired")
				s.End()
				return
			}
			timer := time.NewTimer(remaining)
			select {
			case <-reconnected:
				timer.Stop()
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		if half {
			_ = in.SetReadDeadline(time.Now().Add(s.reg.heartbeat))
		}
		n, err := in.Read(buf)
		if err != nil {
			if half && isTimeout(err) {
				s.Emit(protocol.KeepAlive{})
				continue
			}
			s.disconnect(in)
			continue
		}
		if n >= len(buf) {
			s.Emit(protocol.UnexpectedFailure{Type: "MessageSizeError", Message: "Message size exceeds maximum size allowed."})
			continue
		}
		if n == 0 {
			continue
		}
		env, err := protocol.Parse(string(buf[:n]))
		if err != nil {
			s.Emit(protocol.UnexpectedFailure{Type: "MessageFormatError", Message: err.Error()})
			continue
		}
		s.handle(env)
	}
}

func (s *Session) handle(env *protocol.Envelope) {
	rqid := env.RequestID()
	ctx := logctx.WithRequestData(s.ctx, &logctx.RequestData{RequestID: rqid, Command: env.Command})
	start := time.Now()

	pending, err := s.dispatch(ctx, env)
	if err != nil {
		s.Emit(protocol.WithRequestID(FailureEvent(err), rqid))
		s.log.WarnContext(ctx, "session.dispatch.err", slog.String("err", err.Error()))
	}
	if pending == nil {
		if rqid != "" {
			s.Emit(protocol.TaskComplete{RequestID: rqid})
		}
		s.log.DebugContext(ctx, "session.dispatch.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	s.reg.wg.Add(1)
	go func() {
		defer s.reg.wg.Done()
		var err error
		select {
		case err = <-pending:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			s.Emit(protocol.WithRequestID(FailureEvent(err), rqid))
			s.log.WarnContext(ctx, "session.operation.err", slog.String("err", err.Error()))
		}
		if rqid == "" {
			return
		}
		select {
		case <-time.After(s.reg.settle):
		case <-s.ctx.Done():
			return
		}
		if s.WaitDrained(s.ctx) != nil {
			return
		}
		s.Emit(protocol.TaskComplete{RequestID: rqid})
		s.log.DebugContext(ctx, "session.operation.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}()
}

func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) (p Pending, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.reg.dispatcher.Dispatch(ctx, s, env)
}

// Go runs fn in its own goroutine under the session's lifetime and returns
// its Pending. A panic in fn becomes a *PanicError.
func (s *Session) Go(ctx context.Context, fn func(ctx context.Context) error) Pending {
	ch := make(chan error, 1)
	s.reg.wg.Add(1)
	go func() {
		defer s.reg.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				ch <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		ch <- fn(ctx)
	}()
	return ch
}

// FailureEvent converts an operation error into the event reported to the
// client.
func FailureEvent(err error) protocol.Event {
	if errors.Is(err, context.Canceled) {
		return protocol.OperationCancelled{Message: "The operation was cancelled."}
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return protocol.UnexpectedFailure{Type: "Panic", Message: pe.Error(), StackTrace: string(pe.Stack)}
	}
	return protocol.UnexpectedFailure{Type: errorType(err), Message: err.Error()}
}

// errorType names the innermost error in err's chain.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// TrackTempFile registers path for removal when the session ends.
func (s *Session) TrackTempFile(path string) {
	s.mu.Lock()
	s.tempFiles = append(s.tempFiles, path)
	s.mu.Unlock()
}

// Cancel ends the session.
func (s *Session) Cancel() { s.End() }

// End moves the session to Ended: it leaves the registry, cancels its
// context, closes its channels, discards session values and removes its
// temporary files. End is idempotent.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = Ended
		in, out := s.in, s.out
		values := s.values
		s.values = make(map[reflect.Type]any)
		temp := s.tempFiles
		s.tempFiles = nil
		s.queue = nil
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
		s.mu.Unlock()

		s.cancel()
		closeConns(in, out)
		s.reg.remove(s)

		for _, v := range values {
			if c, ok := v.(interface{ Close() }); ok {
				c.Close()
			}
		}
		for _, f := range temp {
			if err := os.RemoveAll(f); err != nil {
				s.log.Warn("session.tempfile.err", slog.String("file", f), slog.String("err", err.Error()))
			}
		}
		close(s.done)
		s.log.InfoContext(s.ctx, "session.end")
	})
}

// Value returns the session's singleton of type T, creating it with init on
// first use. Values with a Close() method are closed when the session ends.
func Value[T any](s *Session, init func() T) T {
	key := reflect.TypeFor[T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v.(T)
	}
	v := init()
	if s.state != Ended {
		s.values[key] = v
	}
	return v
}
