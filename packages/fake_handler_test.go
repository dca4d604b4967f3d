package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ggoodman/pkgd/protocol"
	"github.com/ggoodman/pkgd/settings"
	"github.com/ggoodman/pkgd/storage/memory"
)

// fakeHandler installs packages by writing a fixed set of files into the
// package directory.
type fakeHandler struct {
	mu        sync.Mutex
	installed map[string]bool
	files     map[string]map[string]string
	comps     map[string]*Composition
	metadata  map[string]*Metadata
	failWith  map[string]error
	installs  []string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		installed: make(map[string]bool),
		files:     make(map[string]map[string]string),
		comps:     make(map[string]*Composition),
		metadata:  make(map[string]*Metadata),
		failWith:  make(map[string]error),
	}
}

func (h *fakeHandler) ReadMetadata(path string) (*Metadata, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	md, ok := h.metadata[path]
	if !ok {
		return nil, errors.New("not a package")
	}
	return md, nil
}

func (h *fakeHandler) Install(ctx context.Context, pkg *Package, progress func(int)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := pkg.CanonicalName()
	dir := pkg.PackageDirectory()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for rel, content := range h.files[name] {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	if err := h.failWith[name]; err != nil {
		return err
	}
	h.installed[name] = true
	h.installs = append(h.installs, name)
	return nil
}

func (h *fakeHandler) Remove(ctx context.Context, pkg *Package, progress func(int)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.installed, pkg.CanonicalName())
	return os.RemoveAll(pkg.PackageDirectory())
}

func (h *fakeHandler) IsInstalled(pkg *Package) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed[pkg.CanonicalName()], nil
}

func (h *fakeHandler) Composition(pkg *Package) (*Composition, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.comps[pkg.CanonicalName()], nil
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Emit(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Envelope().Command
	}
	return out
}

type testEnv struct {
	reg      *Registry
	handler  *fakeHandler
	settings *settings.Store
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := memory.New(1000)
	if err != nil {
		t.Fatalf("memory.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	root := t.TempDir()
	h := newFakeHandler()
	s := settings.New(backend)
	reg := NewRegistry(s, WithHandler(h), WithLayout(Layout{Root: root}))
	return &testEnv{reg: reg, handler: h, settings: s, root: root}
}

// pkg registers a package by canonical name with a local file so that it is
// potentially installable.
func (e *testEnv) pkg(t *testing.T, canonical string, deps ...string) *Package {
	t.Helper()
	id, err := ParseCanonicalName(canonical)
	if err != nil {
		t.Fatalf("ParseCanonicalName(%q) failed: %v", canonical, err)
	}
	file := filepath.Join(e.root, "incoming", canonical+".pkg")
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, []byte(canonical), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := e.reg.Register(&Metadata{Identity: id, Vendor: "acme", Dependencies: deps}, file)
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", canonical, err)
	}
	return p
}
