package sessions

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

// client is the far end of a session channel.
type client struct {
	t    *testing.T
	conn net.Conn
	recv chan *protocol.Envelope
}

func newClient(t *testing.T, conn net.Conn) *client {
	c := &client{t: t, conn: conn, recv: make(chan *protocol.Envelope, 64)}
	go func() {
		defer close(c.recv)
		buf := make([]byte, MaxMessageSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			env, err := protocol.Parse(string(buf[:n]))
			if err != nil {
				t.Errorf("client received malformed envelope %q: %v", buf[:n], err)
				return
			}
			c.recv <- env
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) send(raw string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(raw)); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

func (c *client) next() *protocol.Envelope {
	c.t.Helper()
	select {
	case env, ok := <-c.recv:
		if !ok {
			c.t.Fatal("channel closed while waiting for an envelope")
		}
		return env
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for an envelope")
	}
	return nil
}

func (c *client) expect(command string) *protocol.Envelope {
	c.t.Helper()
	env := c.next()
	if env.Command != command {
		c.t.Fatalf("got %q, want %q", env.String(), command)
	}
	return env
}

func newTestRegistry(t *testing.T, d DispatcherFunc, opts ...Option) *Registry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx, d, append([]Option{WithSettle(5 * time.Millisecond)}, opts...)...)
	t.Cleanup(func() {
		cancel()
		r.EndAll()
	})
	return r
}

func testIdentity(uid string) Identity {
	return Identity{
		Key:  Key{ClientID: "pkgctl", SessionID: "s-1"},
		User: policy.Identity{UserName: "alice", UID: uid},
	}
}

func attach(t *testing.T, r *Registry, id Identity) (*Session, *client, bool) {
	t.Helper()
	server, far := net.Pipe()
	s, reconnected := r.Attach(id, server, nil)
	c := newClient(t, far)
	return s, c, reconnected
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("session state %v, want %v", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echo(ctx context.Context, s *Session, env *protocol.Envelope) (Pending, error) {
	switch env.Command {
	case "echo":
		s.Emit(protocol.WithRequestID(protocol.Warning{Message: env.Get("message")}, env.RequestID()))
		return nil, nil
	case "slow":
		rqid := env.RequestID()
		return s.Go(ctx, func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				s.Emit(protocol.WithRequestID(protocol.Warning{Message: "step"}, rqid))
			}
			return nil
		}), nil
	case "fail":
		return nil, errors.New("broken")
	case "fail-later":
		return s.Go(ctx, func(context.Context) error { return context.Canceled }), nil
	case "panic":
		panic("boom")
	}
	return nil, nil
}

func TestSessionStartsAndCompletesSyncCommand(t *testing.T) {
	r := newTestRegistry(t, echo)
	s, c, reconnected := attach(t, r, testIdentity("1000"))
	if reconnected {
		t.Fatal("fresh session reported as reconnected")
	}
	if got := c.expect(protocol.EvtSessionStarted).Get("session-id"); got != "s-1" {
		t.Fatalf("session-id = %q", got)
	}

	c.send("echo?message=hi&rqid=7")
	if env := c.expect(protocol.EvtWarning); env.Get("message") != "hi" || env.RequestID() != "7" {
		t.Fatalf("unexpected warning %q", env.String())
	}
	if env := c.expect(protocol.EvtTaskComplete); env.RequestID() != "7" {
		t.Fatalf("task-complete rqid = %q", env.RequestID())
	}

	// No rqid, no task-complete.
	c.send("echo?message=quiet")
	c.expect(protocol.EvtWarning)
	c.send("echo?message=after&rqid=8")
	c.expect(protocol.EvtWarning)
	c.expect(protocol.EvtTaskComplete)

	if s.State() != Connected {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSessionAsyncTaskCompleteFollowsEvents(t *testing.T) {
	r := newTestRegistry(t, echo)
	_, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	c.send("slow?rqid=a")
	for i := 0; i < 3; i++ {
		c.expect(protocol.EvtWarning)
	}
	if env := c.expect(protocol.EvtTaskComplete); env.RequestID() != "a" {
		t.Fatalf("task-complete rqid = %q", env.RequestID())
	}
}

func TestSessionReportsFailures(t *testing.T) {
	r := newTestRegistry(t, echo)
	_, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	c.send("fail?rqid=1")
	if env := c.expect(protocol.EvtUnexpectedFailure); env.Get("message") != "broken" || env.RequestID() != "1" {
		t.Fatalf("unexpected failure %q", env.String())
	}
	c.expect(protocol.EvtTaskComplete)

	c.send("panic?rqid=2")
	env := c.expect(protocol.EvtUnexpectedFailure)
	if !strings.Contains(env.Get("message"), "boom") {
		t.Fatalf("panic message %q", env.Get("message"))
	}
	c.expect(protocol.EvtTaskComplete)

	c.send("fail-later?rqid=3")
	c.expect(protocol.EvtOperationCancelled)
	c.expect(protocol.EvtTaskComplete)

	// The session survives all of the above.
	c.send("echo?message=still-here&rqid=4")
	c.expect(protocol.EvtWarning)
}

func TestSessionRejectsOversizedMessage(t *testing.T) {
	r := newTestRegistry(t, echo)
	_, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	c.send(strings.Repeat("x", MaxMessageSize))
	if env := c.expect(protocol.EvtUnexpectedFailure); env.Get("type") != "MessageSizeError" {
		t.Fatalf("unexpected failure %q", env.String())
	}
}

func TestSessionReconnectDeliversQueuedEvents(t *testing.T) {
	r := newTestRegistry(t, echo)
	id := testIdentity("1000")
	s, c, _ := attach(t, r, id)
	c.expect(protocol.EvtSessionStarted)

	_ = c.conn.Close()
	waitState(t, s, Disconnected)

	s.Emit(protocol.Warning{Message: "one"})
	s.Emit(protocol.Warning{Message: "two"})

	again, c2, reconnected := attach(t, r, id)
	if again != s || !reconnected {
		t.Fatal("matching identity did not reuse the session")
	}
	c2.expect(protocol.EvtSessionStarted)
	for _, want := range []string{"one", "two"} {
		if got := c2.expect(protocol.EvtWarning).Get("message"); got != want {
			t.Fatalf("queued event %q, want %q", got, want)
		}
	}
	waitState(t, s, Connected)

	// Reconnecting a connected session is equally fine.
	same, c3, reconnected := attach(t, r, id)
	if same != s || !reconnected {
		t.Fatal("second reconnect did not reuse the session")
	}
	c3.expect(protocol.EvtSessionStarted)
	if r.Len() != 1 {
		t.Fatalf("registry holds %d sessions", r.Len())
	}
}

func TestSessionPartialMatchReplacesStale(t *testing.T) {
	r := newTestRegistry(t, echo)
	old, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	elevated := testIdentity("1000")
	elevated.User.Elevated = true
	s, c2, reconnected := attach(t, r, elevated)
	if s == old || reconnected {
		t.Fatal("partial match reused the stale session")
	}
	c2.expect(protocol.EvtSessionStarted)
	select {
	case <-old.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale session was not ended")
	}
	if got, _ := r.Get(elevated.Key); got != s {
		t.Fatal("registry does not hold the replacement")
	}
}

func TestSessionEndsAfterDisconnectWait(t *testing.T) {
	r := newTestRegistry(t, echo, WithDisconnectWait(30*time.Millisecond))
	s, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	_ = c.conn.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session outlived its disconnect wait")
	}
	if s.State() != Ended || r.Len() != 0 {
		t.Fatalf("state %v with %d sessions registered", s.State(), r.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() = %v", err)
	}
}

type closer struct{ closed bool }

func (c *closer) Close() { c.closed = true }

func TestSessionEndCleansUp(t *testing.T) {
	r := newTestRegistry(t, echo)
	s, c, _ := attach(t, r, testIdentity("1000"))
	c.expect(protocol.EvtSessionStarted)

	tmp := filepath.Join(t.TempDir(), "download.pkg")
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.TrackTempFile(tmp)
	v := Value(s, func() *closer { return &closer{} })
	if Value(s, func() *closer { return &closer{} }) != v {
		t.Fatal("Value() is not a per-session singleton")
	}

	s.Cancel()
	<-s.Done()
	if !v.closed {
		t.Fatal("session value was not closed")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("temp file survived: %v", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("session context still live")
	}
	s.Emit(protocol.KeepAlive{})
	if s.Pending() != 0 {
		t.Fatal("ended session accepted an event")
	}
	if _, ok := <-c.recv; ok {
		t.Fatal("channel still open after end")
	}
}

func TestHalfDuplexKeepAlive(t *testing.T) {
	r := newTestRegistry(t, echo, WithHeartbeat(20*time.Millisecond))
	inServer, inFar := net.Pipe()
	outServer, outFar := net.Pipe()
	s, _ := r.Attach(testIdentity("1000"), inServer, outServer)
	if !s.IsHalfDuplex() {
		t.Fatal("separate channels not treated as half duplex")
	}
	t.Cleanup(func() { _ = inFar.Close() })
	responses := newClient(t, outFar)

	responses.expect(protocol.EvtSessionStarted)
	responses.expect(protocol.EvtKeepAlive)

	if _, err := inFar.Write([]byte("echo?message=x&rqid=1")); err != nil {
		t.Fatal(err)
	}
	for {
		env := responses.next()
		if env.Command == protocol.EvtKeepAlive {
			continue
		}
		if env.Command != protocol.EvtWarning {
			t.Fatalf("got %q", env.String())
		}
		break
	}
}

func TestFailureEvent(t *testing.T) {
	if _, ok := FailureEvent(context.Canceled).(protocol.OperationCancelled); !ok {
		t.Fatal("cancellation not reported as operation-cancelled")
	}
	ev, ok := FailureEvent(&PanicError{Value: "x", Stack: []byte("trace")}).(protocol.UnexpectedFailure)
	if !ok || ev.StackTrace != "trace" {
		t.Fatalf("panic event = %+v", ev)
	}
}
