package packages

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1", want: "1.0.0.0"},
		{in: "1.2", want: "1.2.0.0"},
		{in: "1.2.3.4", want: "1.2.3.4"},
		{in: "65535.0.0.1", want: "65535.0.0.1"},
		{in: "", wantErr: true},
		{in: "1.2.3.4.5", wantErr: true},
		{in: "65536", wantErr: true},
		{in: "a.b", wantErr: true},
	}
	for _, tt := range tests {
		v, err := ParseVersion(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("ParseVersion(%q) error = %v, want ErrInvalidVersion", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q) failed: %v", tt.in, err)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("ParseVersion(%q) = %s, want %s", tt.in, v, tt.want)
		}
	}
}

func TestVersionOrdering(t *testing.T) {
	if MustParseVersion("1.10") <= MustParseVersion("1.9") {
		t.Fatal("1.10 should sort after 1.9")
	}
	if MustParseVersion("2.0") <= MustParseVersion("1.65535.65535.65535") {
		t.Fatal("2.0 should sort after every 1.x")
	}
}

func TestCanonicalNameStability(t *testing.T) {
	names := []string{
		"foo-1.0.0.0-x86-deadbeef",
		"Foo-1.2.3.4-X64-DEADBEEF01234567",
		"lib-with-dashes-10.0.1.0-any-0123456789abcdef",
		"tool-0.0.0.1-arm-abcdef12",
	}
	for _, in := range names {
		id, err := ParseCanonicalName(in)
		if err != nil {
			t.Fatalf("ParseCanonicalName(%q) failed: %v", in, err)
		}
		first := id.CanonicalName()
		again, err := ParseCanonicalName(first)
		if err != nil {
			t.Fatalf("ParseCanonicalName(%q) failed: %v", first, err)
		}
		if again != id || again.CanonicalName() != first {
			t.Errorf("round trip of %q changed identity: %+v != %+v", in, again, id)
		}
	}
}

func TestParseCanonicalNameRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"foo",
		"foo-1.0.0.0-x86",
		"foo-1.0.0-x86-deadbeef",
		"foo-0.0.0.0-x86-deadbeef",
		"foo-1.0.0.0-sparc-deadbeef",
		"foo-1.0.0.0-x86-xyz",
		"../foo-1.0.0.0-x86-deadbeef",
	} {
		if _, err := ParseCanonicalName(in); !errors.Is(err, ErrInvalidCanonicalName) {
			t.Errorf("ParseCanonicalName(%q) error = %v, want ErrInvalidCanonicalName", in, err)
		}
	}
}

func TestIdentityNames(t *testing.T) {
	id := Identity{Name: "Foo", Version: MustParseVersion("1.2"), Architecture: ArchX64, PublicKeyToken: "DEADBEEF"}
	if got := id.CanonicalName(); got != "foo-1.2.0.0-x64-deadbeef" {
		t.Errorf("CanonicalName() = %q", got)
	}
	if got := id.GeneralName(); got != "foo-deadbeef" {
		t.Errorf("GeneralName() = %q", got)
	}
	if got := id.CosmeticName(); got != "foo-1.2.0.0-x64" {
		t.Errorf("CosmeticName() = %q", got)
	}
	if got := (Identity{Name: "foo"}).CanonicalName(); got != "" {
		t.Errorf("CanonicalName() without version = %q, want empty", got)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
	}{
		{in: "foo", want: Name{Name: "foo"}},
		{in: "foo-1.*", want: Name{Name: "foo", Version: "1.*.*.*"}},
		{in: "foo-1.2.3.4", want: Name{Name: "foo", Version: "1.2.3.4"}},
		{in: "foo-1.2.3.4-x86", want: Name{Name: "foo", Version: "1.2.3.4", Arch: "x86"}},
		{
			in:   "foo-1.0.0.0-x86-deadbeef",
			want: Name{Canonical: "foo-1.0.0.0-x86-deadbeef", Name: "foo", Version: "1.0.0.0", Arch: "x86", PublicKeyToken: "deadbeef"},
		},
		{in: "a/b", want: Name{}},
	}
	for _, tt := range tests {
		if got := ParseName(tt.in); got != tt.want {
			t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	id := Identity{Name: "zlib", Version: MustParseVersion("1.2.5"), Architecture: ArchX86, PublicKeyToken: "deadbeef"}
	tests := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{Name: "zlib"}, true},
		{Filter{Name: "z*"}, true},
		{Filter{Name: "ZLIB"}, true},
		{Filter{Name: "png"}, false},
		{Filter{Version: "1.*"}, true},
		{Filter{Version: "1.2.5.0"}, true},
		{Filter{Version: "1.3"}, false},
		{Filter{Arch: "all"}, true},
		{Filter{Arch: "x64"}, false},
		{Filter{PublicKeyToken: "DEADBEEF"}, true},
		{Filter{PublicKeyToken: "cafebabe"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Matches(id); got != tt.want {
			t.Errorf("%+v.Matches() = %v, want %v", tt.f, got, tt.want)
		}
	}
}
