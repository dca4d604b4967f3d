//go:build linux

package listener

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
	"github.com/ggoodman/pkgd/settings"
	"github.com/ggoodman/pkgd/storage/memory"
)

type testResolver struct{ deny bool }

func (r testResolver) Identity(uid, gid uint32) (policy.Identity, error) {
	if r.deny {
		return policy.Identity{}, errors.New("no such user")
	}
	id := strconv.FormatUint(uint64(uid), 10)
	return policy.Identity{UserName: "tester", UID: id, GroupIDs: []string{strconv.FormatUint(uint64(gid), 10)}}, nil
}

func (testResolver) LookupUser(string) (string, error)  { return "", policy.ErrNoSuchAccount }
func (testResolver) LookupGroup(string) (string, error) { return "", policy.ErrNoSuchAccount }
func (testResolver) UserName(string) (string, error)    { return "", policy.ErrNoSuchAccount }
func (testResolver) GroupName(string) (string, error)   { return "", policy.ErrNoSuchAccount }

func ping(ctx context.Context, s *sessions.Session, env *protocol.Envelope) (sessions.Pending, error) {
	if env.Command == "ping" {
		s.Emit(protocol.WithRequestID(protocol.Raw{Env: protocol.New("pong")}, env.RequestID()))
	}
	return nil, nil
}

func newTestListener(t *testing.T, r testResolver, opts ...Option) (*Listener, *sessions.Registry) {
	t.Helper()
	backend, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	policies := policy.NewStore(settings.New(backend), r)

	ctx, cancel := context.WithCancel(context.Background())
	reg := sessions.NewRegistry(ctx, sessions.DispatcherFunc(ping), sessions.WithSettle(time.Millisecond))

	dir, err := os.MkdirTemp("", "pkgd")
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithSlots(2), WithHandshakeTimeout(time.Second)}, opts...)
	l := New(dir, reg, policies, r, opts...)
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Close()
		cancel()
		reg.EndAll()
		_ = os.RemoveAll(dir)
	})
	return l, reg
}

func dial(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialUnix(network, nil, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *net.UnixConn, env *protocol.Envelope) {
	t.Helper()
	if _, err := conn.Write(env.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *net.UnixConn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, sessions.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Parse(string(buf[:n]))
	if err != nil {
		t.Fatalf("parse %q: %v", buf[:n], err)
	}
	return env
}

func expectClosed(t *testing.T, conn *net.UnixConn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, sessions.MaxMessageSize)
	n, err := conn.Read(buf)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection left open")
	}
	if err == nil && n > 0 {
		t.Fatalf("unexpected message %q", buf[:n])
	}
}

func startSession(id string) *protocol.Envelope {
	return protocol.New(protocol.CmdStartSession).Set("client", "test").Set("id", id)
}

func TestDuplexSession(t *testing.T) {
	l, reg := newTestListener(t, testResolver{})

	conn := dial(t, l.Path())
	write(t, conn, startSession("s1"))
	if env := read(t, conn); env.Command != protocol.EvtSessionStarted || env.Get("session-id") != "s1" {
		t.Fatalf("got %q", env.String())
	}

	write(t, conn, protocol.New("ping").WithRequestID("1"))
	if env := read(t, conn); env.Command != "pong" {
		t.Fatalf("got %q", env.String())
	}
	if env := read(t, conn); env.Command != protocol.EvtTaskComplete {
		t.Fatalf("got %q", env.String())
	}

	s, ok := reg.Get(sessions.Key{ClientID: "test", SessionID: "s1"})
	if !ok {
		t.Fatal("session not registered")
	}
	if want := strconv.Itoa(os.Getuid()); s.User().UID != want {
		t.Fatalf("uid = %q, want %q", s.User().UID, want)
	}
	if s.IsHalfDuplex() {
		t.Fatal("duplex session reported half-duplex")
	}
}

func TestAcceptCapacityIsReplenished(t *testing.T) {
	l, reg := newTestListener(t, testResolver{})

	// More connections than slots.
	for i := 0; i < 5; i++ {
		conn := dial(t, l.Path())
		write(t, conn, startSession("s"+strconv.Itoa(i)))
		if env := read(t, conn); env.Command != protocol.EvtSessionStarted {
			t.Fatalf("connection %d: got %q", i, env.String())
		}
	}
	if reg.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", reg.Len())
	}
}

func TestHandshakeRejected(t *testing.T) {
	l, reg := newTestListener(t, testResolver{})

	tests := []*protocol.Envelope{
		protocol.New(protocol.CmdFindPackages),
		protocol.New(protocol.CmdStartSession).Set("client", "test"),
		protocol.New(protocol.CmdStartSession).Set("id", "x"),
	}
	for _, env := range tests {
		conn := dial(t, l.Path())
		write(t, conn, env)
		expectClosed(t, conn)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", reg.Len())
	}
}

func TestUnknownPeerRejected(t *testing.T) {
	l, reg := newTestListener(t, testResolver{deny: true})

	conn := dial(t, l.Path())
	write(t, conn, startSession("s1"))
	expectClosed(t, conn)
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", reg.Len())
	}
}

func TestHalfDuplexSession(t *testing.T) {
	l, reg := newTestListener(t, testResolver{})

	conn := dial(t, l.Path())
	write(t, conn, startSession("hd/1").SetBool("async", false))

	var resp *net.UnixConn
	deadline := time.Now().Add(2 * time.Second)
	for resp == nil {
		c, err := net.DialUnix(network, nil, &net.UnixAddr{Name: l.ResponsePath("hd/1"), Net: network})
		if err == nil {
			resp = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("response socket never appeared: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() { _ = resp.Close() })

	if env := read(t, resp); env.Command != protocol.EvtSessionStarted {
		t.Fatalf("got %q", env.String())
	}
	write(t, conn, protocol.New("ping").WithRequestID("1"))
	for {
		env := read(t, resp)
		if env.Command == protocol.EvtKeepAlive {
			continue
		}
		if env.Command != "pong" {
			t.Fatalf("got %q", env.String())
		}
		break
	}

	s, ok := reg.Get(sessions.Key{ClientID: "test", SessionID: "hd/1"})
	if !ok || !s.IsHalfDuplex() {
		t.Fatal("half-duplex session not registered")
	}
}

func dialResponse(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err := net.DialUnix(network, nil, &net.UnixAddr{Name: path, Net: network})
		if err == nil {
			t.Cleanup(func() { _ = c.Close() })
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("response socket never appeared: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// withForeignFirstResponder reports the first peer on any response socket
// as another user.
func withForeignFirstResponder() Option {
	var responders atomic.Int32
	return func(l *Listener) {
		l.peerCred = func(conn *net.UnixConn) (uint32, uint32, error) {
			uid, gid, err := peerCredentials(conn)
			if filepath.Base(conn.LocalAddr().String()) != SocketName && responders.Add(1) == 1 {
				uid++
			}
			return uid, gid, err
		}
	}
}

func TestHalfDuplexRejectsOtherUsers(t *testing.T) {
	l, reg := newTestListener(t, testResolver{}, withForeignFirstResponder())

	conn := dial(t, l.Path())
	write(t, conn, startSession("hd-2").SetBool("async", false))

	intruder := dialResponse(t, l.ResponsePath("hd-2"))
	expectClosed(t, intruder)

	resp := dialResponse(t, l.ResponsePath("hd-2"))
	if env := read(t, resp); env.Command != protocol.EvtSessionStarted {
		t.Fatalf("got %q", env.String())
	}
	if _, ok := reg.Get(sessions.Key{ClientID: "test", SessionID: "hd-2"}); !ok {
		t.Fatal("session not registered")
	}
}

func TestSocketName(t *testing.T) {
	if got := socketName("a/b c.d-1"); got != "a_b_c.d-1" {
		t.Fatalf("socketName() = %q", got)
	}
}
