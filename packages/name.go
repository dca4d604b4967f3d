package packages

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidCanonicalName is returned when a string is not a full
// name-version-arch-token identity.
var ErrInvalidCanonicalName = errors.New("packages: invalid canonical name")

var (
	canonicalPattern = regexp.MustCompile(`(?i)^(.+)-(\d{1,5}\.\d{1,5}\.\d{1,5}\.\d{1,5})-(any|x86|x64|arm)-([0-9a-f]{8,16})$`)
	partialPattern   = regexp.MustCompile(`(?i)^(?P<name>.*?)(?P<v1>-\d{1,5}|-\*)?(?P<v2>\.\d{1,5}|\.\*)?(?P<v3>\.\d{1,5}|\.\*)?(?P<v4>\.\d{1,5}|\.\*)?(?P<arch>-{1,2}any|-{1,2}x86|-{1,2}x64|-{1,2}arm|-{1,2}all|-\*)?(?P<pkt>-{1,3}[0-9a-f]{8,16})?$`)
)

// Identity is the full identity of a package.
type Identity struct {
	Name           string
	Version        Version
	Architecture   Architecture
	PublicKeyToken string
}

// CanonicalName returns name-version-arch-token in lower case, or "" when the
// version is zero.
func (id Identity) CanonicalName() string {
	if id.Version == 0 {
		return ""
	}
	return strings.ToLower(fmt.Sprintf("%s-%s-%s-%s", id.Name, id.Version, id.Architecture, id.PublicKeyToken))
}

// GeneralName identifies the (name, token) family.
func (id Identity) GeneralName() string {
	return strings.ToLower(id.Name + "-" + id.PublicKeyToken)
}

// CosmeticName is the canonical name without the token.
func (id Identity) CosmeticName() string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", id.Name, id.Version, id.Architecture))
}

// ParseCanonicalName parses a full canonical name.
func ParseCanonicalName(s string) (Identity, error) {
	m := canonicalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || strings.ContainsAny(s, `/\`) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidCanonicalName, s)
	}
	v, err := ParseVersion(m[2])
	if err != nil || v == 0 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidCanonicalName, s)
	}
	arch, err := ParseArchitecture(m[3])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidCanonicalName, s)
	}
	return Identity{
		Name:           strings.ToLower(m[1]),
		Version:        v,
		Architecture:   arch,
		PublicKeyToken: strings.ToLower(m[4]),
	}, nil
}

// Name is a possibly partial package name such as "foo", "foo-1.*" or
// "foo-1.0.0.0-x86-deadbeef". Empty fields match anything.
type Name struct {
	// Canonical is set only when the input was a full canonical name.
	Canonical      string
	Name           string
	Version        string
	Arch           string
	PublicKeyToken string
}

// ParseName splits a full or partial package name. Inputs containing path
// separators yield the zero Name.
func ParseName(s string) Name {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, `/\`) {
		return Name{}
	}
	if id, err := ParseCanonicalName(s); err == nil {
		return Name{
			Canonical:      id.CanonicalName(),
			Name:           id.Name,
			Version:        id.Version.String(),
			Arch:           id.Architecture.String(),
			PublicKeyToken: id.PublicKeyToken,
		}
	}

	m := partialPattern.FindStringSubmatch(s)
	if m == nil {
		return Name{Name: s}
	}
	group := func(name, def string) string {
		v := m[partialPattern.SubexpIndex(name)]
		if v == "" {
			return def
		}
		return strings.Trim(v, "- ")
	}
	n := Name{
		Name:           group("name", ""),
		Arch:           group("arch", ""),
		PublicKeyToken: group("pkt", ""),
	}
	v1, v2, v3, v4 := group("v1", "*"), group("v2", ".*"), group("v3", ".*"), group("v4", ".*")
	if version := v1 + v2 + v3 + v4; version != "*.*.*.*" {
		n.Version = version
	}
	if n.Name == "" {
		n.Name = s
		n.Version, n.Arch, n.PublicKeyToken = "", "", ""
	}
	return n
}

// IsFull reports whether the name was a complete canonical name.
func (n Name) IsFull() bool { return n.Canonical != "" }

// IsPartial reports whether the name is usable as a search pattern.
func (n Name) IsPartial() bool { return !n.IsFull() && n.Name != "" }

// Filter returns a filter matching this name.
func (n Name) Filter() Filter {
	return Filter{Name: n.Name, Version: n.Version, Arch: n.Arch, PublicKeyToken: n.PublicKeyToken}
}

// Filter selects packages by identity. Each field is a pattern; empty and "*"
// match everything. Name supports shell-style globs.
type Filter struct {
	Name           string
	Version        string
	Arch           string
	PublicKeyToken string
}

// Matches reports whether id satisfies every field of f.
func (f Filter) Matches(id Identity) bool {
	if !globMatch(f.Name, id.Name) {
		return false
	}
	if !versionMatch(f.Version, id.Version) {
		return false
	}
	switch a := strings.ToLower(f.Arch); a {
	case "", "*", "all":
	default:
		if a != string(id.Architecture) {
			return false
		}
	}
	if t := f.PublicKeyToken; t != "" && t != "*" && !strings.EqualFold(t, id.PublicKeyToken) {
		return false
	}
	return true
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	pattern, s = strings.ToLower(pattern), strings.ToLower(s)
	ok, err := path.Match(pattern, s)
	if err != nil {
		return pattern == s
	}
	return ok
}

func versionMatch(pattern string, v Version) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, ".")
	if len(parts) > 4 {
		return false
	}
	actual := v.Parts()
	for i, p := range parts {
		if p == "*" || p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || uint16(n) != actual[i] {
			return false
		}
	}
	return true
}
