package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/pkgd/feeds"
	"github.com/ggoodman/pkgd/internal/logctx"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/packages/archive"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/sessions"
	"github.com/ggoodman/pkgd/settings"
	"github.com/ggoodman/pkgd/signature"
	"github.com/ggoodman/pkgd/storage/memory"
)

const token = "deadbeef"

type fakeResolver struct{}

func (fakeResolver) LookupUser(name string) (string, error) {
	if name == "alice" {
		return "1000", nil
	}
	return "", policy.ErrNoSuchAccount
}

func (fakeResolver) LookupGroup(name string) (string, error) { return "", policy.ErrNoSuchAccount }

func (fakeResolver) UserName(uid string) (string, error) {
	if uid == "1000" {
		return "alice", nil
	}
	return "", policy.ErrNoSuchAccount
}

func (fakeResolver) GroupName(gid string) (string, error) { return "", policy.ErrNoSuchAccount }

func (fakeResolver) Identity(uid, gid uint32) (policy.Identity, error) {
	return policy.Identity{}, nil
}

var (
	root  = policy.Identity{UserName: "root", UID: "0", GroupIDs: []string{"0"}, Admin: true, Elevated: true}
	alice = policy.Identity{UserName: "alice", UID: "1000", GroupIDs: []string{"1000"}}
)

type harness struct {
	t        *testing.T
	reg      *packages.Registry
	feeds    *feeds.Manager
	policies *policy.Store
	levels   *logctx.Levels
	engine   *Engine
	sessions *sessions.Registry
	stopped  chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend, err := memory.New(1000)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	s := settings.New(backend)

	reg := packages.NewRegistry(s.Sub("Packages"),
		packages.WithHandler(archive.NewHandler()),
		packages.WithLayout(packages.Layout{Root: t.TempDir()}))
	fm := feeds.NewManager(reg, s.Sub("Feeds"))
	t.Cleanup(fm.Close)

	h := &harness{
		t:        t,
		reg:      reg,
		feeds:    fm,
		policies: policy.NewStore(s.Sub("Policies"), fakeResolver{}),
		levels:   logctx.NewLevels(),
		stopped:  make(chan struct{}),
	}
	h.engine = New(reg, h.policies, fm,
		WithVerifier(signature.NewVerifier(signature.WithUnsignedAllowed())),
		WithLevels(h.levels),
		WithStopFunc(func() { close(h.stopped) }),
		WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	h.sessions = sessions.NewRegistry(ctx, h.engine, sessions.WithSettle(5*time.Millisecond))
	t.Cleanup(func() {
		cancel()
		h.sessions.EndAll()
	})
	return h
}

// client is the far end of a session.
type client struct {
	t    *testing.T
	conn net.Conn
	recv chan *protocol.Envelope
}

func (h *harness) connect(user policy.Identity) *client {
	h.t.Helper()
	server, far := net.Pipe()
	id := sessions.Identity{Key: sessions.Key{ClientID: "test", SessionID: h.t.Name() + "-" + user.UID}, User: user}
	h.sessions.Attach(id, server, nil)

	c := &client{t: h.t, conn: far, recv: make(chan *protocol.Envelope, 256)}
	go func() {
		defer close(c.recv)
		buf := make([]byte, sessions.MaxMessageSize)
		for {
			n, err := far.Read(buf)
			if err != nil {
				return
			}
			env, err := protocol.Parse(string(buf[:n]))
			if err != nil {
				return
			}
			c.recv <- env
		}
	}()
	h.t.Cleanup(func() { _ = far.Close() })
	c.next(protocol.EvtSessionStarted)
	return c
}

func (c *client) send(env *protocol.Envelope) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(env.String())); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

// next returns the next envelope with the given command, skipping others.
func (c *client) next(command string) *protocol.Envelope {
	c.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.recv:
			if !ok {
				c.t.Fatalf("channel closed while waiting for %q", command)
			}
			if env.Command == command {
				return env
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %q", command)
			return nil
		}
	}
}

// until collects envelopes up to the task-complete for rqid.
func (c *client) until(rqid string) []*protocol.Envelope {
	c.t.Helper()
	var out []*protocol.Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-c.recv:
			if !ok {
				c.t.Fatalf("channel closed while waiting for task-complete %q", rqid)
			}
			if env.Command == protocol.EvtTaskComplete && env.RequestID() == rqid {
				return out
			}
			out = append(out, env)
		case <-timeout:
			c.t.Fatalf("timed out waiting for task-complete %q", rqid)
			return nil
		}
	}
}

func commands(envs []*protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Command
	}
	return out
}

func find(envs []*protocol.Envelope, command string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range envs {
		if env.Command == command {
			out = append(out, env)
		}
	}
	return out
}

func writePackage(t *testing.T, dir, name, version string, deps ...string) string {
	t.Helper()
	m := &archive.Manifest{Name: name, Version: version, Architecture: "x64", PublicKeyToken: token, Dependencies: deps}
	p := filepath.Join(dir, name+"-"+version+".pkg")
	if err := archive.WriteFile(p, m, ""); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return p
}

func (h *harness) addFeed(dir string) {
	h.t.Helper()
	if _, err := h.feeds.AddSystemLocation(context.Background(), dir); err != nil {
		h.t.Fatalf("AddSystemLocation() failed: %v", err)
	}
}

func TestInstallPackageWithDependency(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writePackage(t, dir, "lib", "1.0")
	writePackage(t, dir, "tool", "1.0", "lib-1.0.0.0-x64-"+token)
	h.addFeed(dir)

	c := h.connect(root)
	c.send(protocol.New(protocol.CmdInstallPackage).Set("canonical-name", "tool-1.0.0.0-x64-"+token).WithRequestID("1"))
	events := c.until("1")

	if failed := find(events, protocol.EvtFailedPackageInstall); len(failed) > 0 {
		t.Fatalf("install failed: %q", failed[0].String())
	}
	var installed []string
	for _, env := range find(events, protocol.EvtInstalledPackage) {
		installed = append(installed, env.Get("canonical-name"))
	}
	want := []string{"lib-1.0.0.0-x64-" + token, "tool-1.0.0.0-x64-" + token}
	if !slices.Equal(installed, want) {
		t.Fatalf("installed = %v, want %v (events %v)", installed, want, commands(events))
	}
	for _, name := range want {
		p, ok := h.reg.ByCanonicalName(name)
		if !ok || !p.IsInstalled() {
			t.Errorf("%s not installed", name)
		}
	}
	tool, _ := h.reg.ByCanonicalName(want[1])
	if !tool.IsClientRequired(context.Background()) {
		t.Error("explicitly installed package is not client required")
	}
}

func TestInstallRequestsRemoteFile(t *testing.T) {
	h := newHarness(t)
	feedDir, downloads := t.TempDir(), t.TempDir()
	libName := "lib-1.0.0.0-x64-" + token
	writePackage(t, feedDir, "tool", "1.0", libName)
	h.addFeed(feedDir)

	id, err := packages.ParseCanonicalName(libName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.reg.Register(&packages.Metadata{Identity: id, RemoteLocations: []string{"https://example.test/lib.pkg"}}, ""); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	c := h.connect(root)
	c.send(protocol.New(protocol.CmdInstallPackage).Set("canonical-name", "tool-1.0.0.0-x64-"+token).WithRequestID("1"))

	req := c.next(protocol.EvtRequireRemoteFile)
	if got := req.Get("canonical-name"); got != libName {
		t.Fatalf("require-remote-file for %q, want %q", got, libName)
	}
	if req.RequestID() != "1" {
		t.Fatalf("require-remote-file rqid = %q", req.RequestID())
	}

	file := writePackage(t, downloads, "lib", "1.0")
	c.send(protocol.New(protocol.CmdRecognizeFile).
		Set("canonical-name", libName).
		Set("local-location", file).
		WithRequestID("2"))

	events := c.until("1")
	var installed []string
	for _, env := range find(events, protocol.EvtInstalledPackage) {
		installed = append(installed, env.Get("canonical-name"))
	}
	if !slices.Contains(installed, libName) || !slices.Contains(installed, "tool-1.0.0.0-x64-"+token) {
		t.Fatalf("installed = %v (events %v)", installed, commands(events))
	}
}

func TestInstallFailsWhenDownloadUnavailable(t *testing.T) {
	h := newHarness(t)
	feedDir := t.TempDir()
	libName := "lib-1.0.0.0-x64-" + token
	writePackage(t, feedDir, "tool", "1.0", libName)
	h.addFeed(feedDir)

	id, _ := packages.ParseCanonicalName(libName)
	if _, err := h.reg.Register(&packages.Metadata{Identity: id, RemoteLocations: []string{"https://example.test/lib.pkg"}}, ""); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	c := h.connect(root)
	c.send(protocol.New(protocol.CmdInstallPackage).Set("canonical-name", "tool-1.0.0.0-x64-"+token).WithRequestID("1"))
	c.next(protocol.EvtRequireRemoteFile)
	c.send(protocol.New(protocol.CmdUnableToAcquire).Set("canonical-name", libName).WithRequestID("2"))

	events := c.until("1")
	failed := find(events, protocol.EvtFailedPackageInstall)
	if len(failed) == 0 {
		t.Fatalf("no failed-package-install in %v", commands(events))
	}
	if got := failed[len(failed)-1].Get("canonical-name"); got != "tool-1.0.0.0-x64-"+token {
		t.Fatalf("last failure for %q", got)
	}
}

func TestInstallRequiresPermission(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writePackage(t, dir, "tool", "1.0")
	h.addFeed(dir)

	c := h.connect(alice)
	c.send(protocol.New(protocol.CmdInstallPackage).Set("canonical-name", "tool-1.0.0.0-x64-"+token).WithRequestID("1"))
	events := c.until("1")
	denied := find(events, protocol.EvtPermissionRequired)
	if len(denied) != 1 || denied[0].Get("policy-required") != policy.InstallPackage {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestFindPackages(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writePackage(t, dir, "tool", "1.0")
	writePackage(t, dir, "tool", "2.0")
	writePackage(t, dir, "other", "1.0")
	h.addFeed(dir)

	c := h.connect(alice)
	c.send(protocol.New(protocol.CmdFindPackages).Set("name", "tool").WithRequestID("1"))
	found := find(c.until("1"), protocol.EvtFoundPackage)
	if len(found) != 2 {
		t.Fatalf("found %d packages, want 2", len(found))
	}

	c.send(protocol.New(protocol.CmdFindPackages).Set("name", "tool").SetBool("latest", true).WithRequestID("2"))
	found = find(c.until("2"), protocol.EvtFoundPackage)
	if len(found) != 1 || found[0].Get("version") != "2.0.0.0" {
		t.Fatalf("latest = %d results", len(found))
	}

	c.send(protocol.New(protocol.CmdFindPackages).Set("name", "missing").WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtNoPackagesFound)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdFindPackages).Set("canonical-name", "not a name").WithRequestID("4"))
	if events := c.until("4"); len(find(events, protocol.EvtArgumentError)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestRemovePackage(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writePackage(t, dir, "tool", "1.0")
	h.addFeed(dir)

	c := h.connect(root)
	name := "tool-1.0.0.0-x64-" + token
	c.send(protocol.New(protocol.CmdInstallPackage).Set("canonical-name", name).WithRequestID("1"))
	if len(find(c.until("1"), protocol.EvtInstalledPackage)) != 1 {
		t.Fatal("install did not complete")
	}

	c.send(protocol.New(protocol.CmdRemovePackage).Set("canonical-name", name).WithRequestID("2"))
	events := c.until("2")
	if len(find(events, protocol.EvtRemovedPackage)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
	if p, _ := h.reg.ByCanonicalName(name); p.IsInstalled() {
		t.Fatal("package still installed")
	}

	c.send(protocol.New(protocol.CmdRemovePackage).Set("canonical-name", name).WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtArgumentError)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestRecognizeFileAddsToSessionFeed(t *testing.T) {
	h := newHarness(t)
	file := writePackage(t, t.TempDir(), "loose", "3.0")

	c := h.connect(alice)
	c.send(protocol.New(protocol.CmdRecognizeFile).Set("local-location", file).WithRequestID("1"))
	events := c.until("1")
	if got := commands(events); !slices.Contains(got, protocol.EvtFoundPackage) || !slices.Contains(got, protocol.EvtFileRecognized) {
		t.Fatalf("events = %v", got)
	}

	c.send(protocol.New(protocol.CmdFindPackages).Set("location", feeds.SessionLocation).WithRequestID("2"))
	found := find(c.until("2"), protocol.EvtFoundPackage)
	if len(found) != 1 || found[0].Get("name") != "loose" {
		t.Fatalf("session feed returned %d packages", len(found))
	}

	c.send(protocol.New(protocol.CmdRecognizeFile).Set("local-location", filepath.Join(t.TempDir(), "nope.pkg")).WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtFileNotFound)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	junk := filepath.Join(t.TempDir(), "junk.pkg")
	if err := os.WriteFile(junk, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.send(protocol.New(protocol.CmdRecognizeFile).Set("local-location", junk).WithRequestID("4"))
	if events := c.until("4"); len(find(events, protocol.EvtUnableToRecognizeFile)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestFeeds(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	c := h.connect(alice)

	c.send(protocol.New(protocol.CmdFindFeeds).WithRequestID("1"))
	if events := c.until("1"); len(find(events, protocol.EvtNoFeedsFound)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdAddFeed).Set("location", dir).SetBool("session", true).WithRequestID("2"))
	if events := c.until("2"); len(find(events, protocol.EvtFeedAdded)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
	c.send(protocol.New(protocol.CmdAddFeed).Set("location", dir).SetBool("session", true).WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtWarning)) != 1 {
		t.Fatalf("duplicate add: events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdFindFeeds).WithRequestID("4"))
	found := find(c.until("4"), protocol.EvtFoundFeed)
	if len(found) != 1 || found[0].Get("location") != dir {
		t.Fatalf("found %d feeds", len(found))
	}

	// System feeds need EditSystemFeeds.
	c.send(protocol.New(protocol.CmdAddFeed).Set("location", dir).WithRequestID("5"))
	if events := c.until("5"); len(find(events, protocol.EvtPermissionRequired)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdSuppressFeed).Set("location", dir).WithRequestID("6"))
	if events := c.until("6"); len(find(events, protocol.EvtFeedSuppressed)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdRemoveFeed).Set("location", dir).SetBool("session", true).WithRequestID("7"))
	if events := c.until("7"); len(find(events, protocol.EvtFeedRemoved)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestSymlinkRequiresPermission(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(t.TempDir(), "link")

	c := h.connect(alice)
	c.send(protocol.New(protocol.CmdSymlink).Set("existing-location", target).Set("new-link", link).WithRequestID("1"))
	events := c.until("1")
	denied := find(events, protocol.EvtPermissionRequired)
	if len(denied) != 1 || denied[0].Get("policy-required") != policy.Symlink || denied[0].Get("current-user-name") != "alice" {
		t.Fatalf("events = %v", commands(events))
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("link created without permission: %v", err)
	}

	admin := h.connect(root)
	admin.send(protocol.New(protocol.CmdSymlink).Set("existing-location", target).Set("new-link", link).Set("link-type", "file").WithRequestID("2"))
	if events := admin.until("2"); len(events) != 0 {
		t.Fatalf("events = %v", commands(events))
	}
	if got, err := os.Readlink(link); err != nil || got != target {
		t.Fatalf("Readlink() = %q, %v", got, err)
	}
}

func TestSymlinkRejectsBadArguments(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "nested")
	admin := h.connect(root)

	tests := []struct {
		name, existing, link, kind, param string
	}{
		{"unknown type", target, filepath.Join(dir, "link"), "junction", "link-type"},
		{"relative target", "target", filepath.Join(dir, "link"), "", "existing-location"},
		{"relative link", target, filepath.Join("nested", "link"), "", "new-link"},
	}
	for i, tc := range tests {
		rqid := strconv.Itoa(i)
		env := protocol.New(protocol.CmdSymlink).Set("existing-location", tc.existing).Set("new-link", tc.link)
		if tc.kind != "" {
			env.Set("link-type", tc.kind)
		}
		admin.send(env.WithRequestID(rqid))
		errs := find(admin.until(rqid), protocol.EvtArgumentError)
		if len(errs) != 1 || errs[0].Get("parameter") != tc.param {
			t.Fatalf("%s: argument errors = %v", tc.name, errs)
		}
	}
	if _, err := os.Lstat(dir); !os.IsNotExist(err) {
		t.Fatalf("rejected symlink created %s", dir)
	}
}

func TestPolicyCommands(t *testing.T) {
	h := newHarness(t)
	c := h.connect(root)

	c.send(protocol.New(protocol.CmdGetPolicy).Set("name", "symlink").WithRequestID("1"))
	found := find(c.until("1"), protocol.EvtPolicy)
	if len(found) != 1 || found[0].Get("name") != policy.Symlink {
		t.Fatalf("found %d policies", len(found))
	}

	c.send(protocol.New(protocol.CmdGetPolicy).WithRequestID("2"))
	if found := find(c.until("2"), protocol.EvtPolicy); len(found) != len(h.policies.All()) {
		t.Fatalf("found %d policies, want %d", len(found), len(h.policies.All()))
	}

	c.send(protocol.New(protocol.CmdGetPolicy).Set("name", "Nope").WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtArgumentError)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdAddToPolicy).Set("name", policy.Symlink).Set("account", "alice").WithRequestID("4"))
	if events := c.until("4"); len(events) != 0 {
		t.Fatalf("events = %v", commands(events))
	}
	p, _ := h.policies.Get(policy.Symlink)
	if !p.HasPermission(context.Background(), alice) {
		t.Fatal("alice not granted Symlink")
	}

	c.send(protocol.New(protocol.CmdAddToPolicy).Set("name", policy.Symlink).Set("account", "mallory").WithRequestID("5"))
	if events := c.until("5"); len(find(events, protocol.EvtArgumentError)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	user := h.connect(alice)
	user.send(protocol.New(protocol.CmdRemoveFromPolicy).Set("name", policy.Symlink).Set("account", "alice").WithRequestID("6"))
	if events := user.until("6"); len(find(events, protocol.EvtPermissionRequired)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	c := h.connect(root)

	c.send(protocol.New(protocol.CmdGetEngineStatus).WithRequestID("1"))
	status := find(c.until("1"), protocol.EvtEngineStatus)
	if len(status) != 1 || status[0].Get("is-ready") != "true" {
		t.Fatalf("status = %d events", len(status))
	}

	c.send(protocol.New(protocol.CmdSetLogging).SetBool("messages", false).WithRequestID("2"))
	logging := find(c.until("2"), protocol.EvtLoggingSettings)
	if len(logging) != 1 || logging[0].Get("is-logging-messages") != "false" || logging[0].Get("is-logging-errors") != "true" {
		t.Fatalf("logging = %d events", len(logging))
	}
	if h.levels.Messages() {
		t.Fatal("messages still enabled")
	}

	c.send(protocol.New("no-such-command").WithRequestID("3"))
	if events := c.until("3"); len(find(events, protocol.EvtUnknownCommand)) != 1 {
		t.Fatalf("events = %v", commands(events))
	}

	c.send(protocol.New(protocol.CmdStopService).WithRequestID("4"))
	c.until("4")
	select {
	case <-h.stopped:
	case <-time.After(time.Second):
		t.Fatal("stop func not called")
	}
}
