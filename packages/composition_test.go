package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveVariables(t *testing.T) {
	env := newTestEnv(t)
	p := env.pkg(t, "app-1.2.0.0-x64-deadbeef")

	tests := []struct {
		in, want string
	}{
		{"${PRODUCTNAME}-${version}", "app-1.2.0.0"},
		{"${arch}", "x64"},
		{"${canonicalname}", "app-1.2.0.0-x64-deadbeef"},
		{"${cosmeticname}", "app-1.2.0.0-x64"},
		{"${publishedpackagedir}", filepath.Join(env.root, "app")},
		{"${packagedir}", p.PackageDirectory()},
		{"${bin}/tool", filepath.Join(env.root, "bin") + "/tool"},
		{"${nosuchmacro}", "${nosuchmacro}"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := p.ResolveVariables(tt.in); got != tt.want {
			t.Errorf("ResolveVariables(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestImplicitDeveloperLibraryRules(t *testing.T) {
	env := newTestEnv(t)
	p := env.pkg(t, "zlib-1.2.5.0-x86-deadbeef")
	p.Internal().SetRoles([]Role{{Name: "zlib", Kind: RoleDeveloperLibrary}})
	p.Internal().SetComposition(&Composition{DeveloperLibraries: []DeveloperLibrary{{
		Name:          "zlib",
		LibraryFiles:  []string{"lib/libz.so"},
		HeaderFolders: []string{"include"},
	}}})

	got := p.ImplicitRules()
	want := []Rule{
		{Action: ActionSymlinkFile, Destination: "${lib}/${arch}/libz.so", Source: "${packagedir}/lib/libz.so"},
		{Action: ActionSymlinkFile, Destination: "${lib}/${arch}/libz-${version}.so", Source: "${packagedir}/lib/libz.so"},
		{Action: ActionSymlinkFolder, Destination: "${include}/zlib", Source: "${packagedir}/include"},
		{Action: ActionSymlinkFolder, Destination: "${include}/zlib-${version}", Source: "${packagedir}/include"},
	}
	if len(got) != len(want) {
		t.Fatalf("ImplicitRules() = %d rules, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func composedApp(t *testing.T, env *testEnv, canonical string) *Package {
	t.Helper()
	p := env.pkg(t, canonical)
	env.handler.files[canonical] = map[string]string{
		"bin/app":         "#!/bin/sh\n",
		"etc/app.conf.in": "root=${packagedir}\n",
	}
	env.handler.comps[canonical] = &Composition{Rules: []Rule{
		{Action: ActionFileRewrite, Destination: "etc/app.conf", Source: "etc/app.conf.in"},
		{Action: ActionFileCopy, Destination: "copy/app", Source: "bin/app"},
		{Action: ActionSymlinkFile, Destination: "${bin}/app", Source: "bin/app"},
		{Action: ActionShortcut, Destination: "${allprograms}/app.desktop", Source: "bin/app"},
		{Action: ActionEnvironmentVariable, Destination: "APP_HOME", Source: "${packagedir}"},
		{Action: ActionEnvironmentVariable, Destination: "Path", Source: "/tmp"},
		{Action: ActionRegistry, Destination: `Software\Acme/App/InstallDir`, Source: "${packagedir}"},
		{Action: ActionSymlinkFile, Destination: "/etc/evil", Source: "bin/app"},
		{Action: ActionFileCopy, Destination: "../../escape", Source: "bin/app"},
		{Action: ActionSymlinkFile, Destination: "${bin}/passwd", Source: "/etc/passwd"},
	}}
	p.Internal().SetRoles([]Role{{Name: "app", Kind: RoleApplication}})
	return p
}

func TestComposeAppliesRulesWithinContainment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := composedApp(t, env, "app-1.0.0.0-x64-deadbeef")

	if err := p.Install(ctx, nil, nil); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	pkgDir := p.PackageDirectory()

	if target, err := os.Readlink(filepath.Join(env.root, "app")); err != nil || target != pkgDir {
		t.Errorf("published dir link = %q, %v; want %q", target, err, pkgDir)
	}
	if target, err := os.Readlink(filepath.Join(env.root, "bin", "app")); err != nil || target != filepath.Join(pkgDir, "bin", "app") {
		t.Errorf("bin link = %q, %v", target, err)
	}
	if data, err := os.ReadFile(filepath.Join(pkgDir, "etc", "app.conf")); err != nil || string(data) != "root="+pkgDir+"\n" {
		t.Errorf("rewritten file = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "copy", "app")); err != nil {
		t.Errorf("copied file missing: %v", err)
	}
	if target, err := ShortcutTarget(filepath.Join(env.root, "programs", "app.desktop")); err != nil || target != filepath.Join(pkgDir, "bin", "app") {
		t.Errorf("shortcut target = %q, %v", target, err)
	}
	if v, ok, err := env.reg.Environment().String(ctx, "APP_HOME"); err != nil || !ok || v != pkgDir {
		t.Errorf("APP_HOME = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := env.reg.Environment().String(ctx, "Path"); ok {
		t.Error("disallowed variable was written")
	}
	if v, ok, err := env.reg.Keys().Sub("Software", "Acme", "App").String(ctx, "InstallDir"); err != nil || !ok || v != pkgDir {
		t.Errorf("registry value = %q, %v, %v", v, ok, err)
	}
	if _, err := os.Lstat("/etc/evil"); err == nil {
		t.Error("link created outside the apps root")
	}
	if _, err := os.Lstat(filepath.Join(filepath.Dir(filepath.Dir(pkgDir)), "escape")); err == nil {
		t.Error("file copied outside the package directory")
	}
	if _, err := os.Lstat(filepath.Join(env.root, "bin", "passwd")); err == nil {
		t.Error("link to a source outside the package directory was created")
	}

	errs := p.Compose(ctx, true)
	var contained, disallowed int
	for _, err := range errs {
		switch {
		case errors.Is(err, ErrContainment):
			contained++
		case errors.Is(err, ErrDisallowedVariable):
			disallowed++
		}
	}
	if contained != 3 || disallowed != 1 || len(errs) != 4 {
		t.Errorf("Compose() errors = %v; want 3 containment and 1 disallowed", errs)
	}
}

func TestRemoveUndoesComposition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := composedApp(t, env, "app-1.0.0.0-x64-deadbeef")
	if err := p.Install(ctx, nil, nil); err != nil {
		t.Fatalf("Install() failed: %v", err)
	}
	if err := p.Remove(ctx, nil); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	for _, path := range []string{
		filepath.Join(env.root, "app"),
		filepath.Join(env.root, "bin", "app"),
		filepath.Join(env.root, "programs", "app.desktop"),
	} {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			t.Errorf("%s survived removal: %v", path, err)
		}
	}
}

func TestUndoKeepsLinksOwnedByAnotherVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	v1 := composedApp(t, env, "app-1.0.0.0-x64-deadbeef")
	v2 := composedApp(t, env, "app-2.0.0.0-x64-deadbeef")
	v15 := composedApp(t, env, "app-1.5.0.0-x64-deadbeef")

	for _, p := range []*Package{v1, v2, v15} {
		if err := p.Install(ctx, nil, nil); err != nil {
			t.Fatalf("Install(%s) failed: %v", p, err)
		}
	}
	link := filepath.Join(env.root, "app")
	if target, _ := os.Readlink(link); target != v2.PackageDirectory() {
		t.Fatalf("published link = %q, want current version %q", target, v2.PackageDirectory())
	}

	if err := v1.Remove(ctx, nil); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if target, _ := os.Readlink(link); target != v2.PackageDirectory() {
		t.Fatalf("removing an older version changed the link to %q", target)
	}
}

func TestShortcutRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.desktop")
	if err := WriteShortcut(path, "X", "/opt/x/bin/x"); err != nil {
		t.Fatal(err)
	}
	got, err := ShortcutTarget(path)
	if err != nil || got != "/opt/x/bin/x" {
		t.Fatalf("ShortcutTarget() = %q, %v", got, err)
	}

	plain := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(plain, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ShortcutTarget(plain); err == nil {
		t.Fatal("ShortcutTarget() accepted a non-shortcut")
	}
}
