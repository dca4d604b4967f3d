package packages

import (
	"errors"
	"os"
	"testing"

	"github.com/ggoodman/pkgd/protocol"
)

func TestDownloadProgressDelta(t *testing.T) {
	env := newTestEnv(t)
	sd := NewSessionTable(nil, nil).For(env.pkg(t, "foo-1.0.0.0-x86-deadbeef"))

	steps := []struct {
		set, want int
	}{
		{10, 10},
		{10, 0},
		{35, 25},
		{20, 0},
		{40, 5},
		{100, 60},
	}
	for _, s := range steps {
		sd.SetDownloadProgress(s.set)
		if got := sd.DownloadProgressDelta(); got != s.want {
			t.Errorf("after progress %d, delta = %d, want %d", s.set, got, s.want)
		}
	}
}

func TestSessionTablesAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	p := env.pkg(t, "foo-1.0.0.0-x86-deadbeef")
	a, b := NewSessionTable(nil, nil), NewSessionTable(nil, nil)

	a.For(p).SetClientSpecified(true)
	if b.For(p).IsClientSpecified() {
		t.Fatal("session data leaked between tables")
	}
	if a.For(p) != a.For(p) {
		t.Fatal("For() did not return the same data twice")
	}
}

func TestAllowedToSupercede(t *testing.T) {
	env := newTestEnv(t)
	sd := NewSessionTable(nil, nil).For(env.pkg(t, "foo-1.0.0.0-x86-deadbeef"))

	if !sd.AllowedToSupercede() {
		t.Fatal("dependency without flags should be allowed to supercede")
	}
	sd.SetClientSpecified(true)
	if sd.AllowedToSupercede() {
		t.Fatal("client-specified package should not be superceded by default")
	}
	sd.SetUpgradeAsNeeded(true)
	if !sd.AllowedToSupercede() {
		t.Fatal("upgrade-as-needed should allow supercedence")
	}
}

type fakeVerifier map[string]string

func (v fakeVerifier) Verify(path string) (string, error) {
	if pub, ok := v[path]; ok {
		return pub, nil
	}
	return "", errors.New("unsigned")
}

func TestLocalValidatedLocation(t *testing.T) {
	env := newTestEnv(t)
	p := env.pkg(t, "foo-1.0.0.0-x86-deadbeef")
	unsigned := p.Internal().LocalLocation()

	signed := unsigned + ".copy"
	if err := os.WriteFile(signed, []byte("foo"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.Internal().AddLocalLocation(signed)
	p.Internal().AddLocalLocation(unsigned)

	rec := &recorder{}
	sd := NewSessionTable(rec, fakeVerifier{signed: "Acme Corp"}).For(p)

	if got := sd.LocalValidatedLocation(); got != signed {
		t.Fatalf("LocalValidatedLocation() = %q, want %q", got, signed)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2", len(rec.events))
	}
	first := rec.events[0].(protocol.SignatureValidation)
	second := rec.events[1].(protocol.SignatureValidation)
	if first.Valid || first.Filename != unsigned {
		t.Errorf("first event = %+v, want invalid %s", first, unsigned)
	}
	if !second.Valid || second.SubjectName != "Acme Corp" {
		t.Errorf("second event = %+v, want valid by Acme Corp", second)
	}
}

func TestWithEmitterSharesData(t *testing.T) {
	env := newTestEnv(t)
	p := env.pkg(t, "foo-1.0.0.0-x86-deadbeef")
	loc := p.Internal().LocalLocation()

	base, view := &recorder{}, &recorder{}
	table := NewSessionTable(base, fakeVerifier{loc: "Acme Corp"})
	scoped := table.WithEmitter(view)

	scoped.For(p).SetClientSpecified(true)
	if !table.For(p).IsClientSpecified() {
		t.Fatal("view does not share session data")
	}
	if got := scoped.LocalValidatedLocation(p); got != loc {
		t.Fatalf("LocalValidatedLocation() = %q, want %q", got, loc)
	}

	base.mu.Lock()
	defer base.mu.Unlock()
	view.mu.Lock()
	defer view.mu.Unlock()
	if len(base.events) != 0 || len(view.events) != 1 {
		t.Fatalf("events: base %d, view %d; want 0, 1", len(base.events), len(view.events))
	}
}

func TestRequestDataNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	rd := NewRequestTable().For(env.pkg(t, "foo-1.0.0.0-x86-deadbeef"))
	if !rd.MarkNotified() {
		t.Fatal("first MarkNotified() = false")
	}
	if rd.MarkNotified() || !rd.NotifiedClientThisSupercedes() {
		t.Fatal("second MarkNotified() reported first notification")
	}
}
