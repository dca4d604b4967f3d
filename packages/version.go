package packages

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part version number packed into 64 bits, 16 bits per
// part, so that numeric comparison orders versions correctly.
type Version uint64

// MaxVersion is the highest representable version.
const MaxVersion = Version(^uint64(0))

// ErrInvalidVersion is returned for strings that are not 1 to 4 dot-separated
// parts in the range 0..65535.
var ErrInvalidVersion = errors.New("packages: invalid version")

// ParseVersion parses "a[.b[.c[.d]]]". Missing parts are zero.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidVersion
	}
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	var v Version
	for i := 0; i < 4; i++ {
		var n uint64
		if i < len(parts) {
			var err error
			n, err = strconv.ParseUint(parts[i], 10, 16)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
			}
		}
		v = v<<16 | Version(n)
	}
	return v, nil
}

// MustParseVersion is ParseVersion that panics on error. For literals.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Parts returns the four components.
func (v Version) Parts() [4]uint16 {
	return [4]uint16{uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v)}
}

func (v Version) String() string {
	p := v.Parts()
	return fmt.Sprintf("%d.%d.%d.%d", p[0], p[1], p[2], p[3])
}

// Architecture is a package's target processor architecture.
type Architecture string

const (
	ArchUnknown Architecture = ""
	ArchAny     Architecture = "any"
	ArchX86     Architecture = "x86"
	ArchX64     Architecture = "x64"
	ArchARM     Architecture = "arm"
)

// ErrInvalidArchitecture is returned by ParseArchitecture.
var ErrInvalidArchitecture = errors.New("packages: invalid architecture")

// ParseArchitecture accepts the canonical names plus the Go GOARCH spellings.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "anycpu", "noarch":
		return ArchAny, nil
	case "x86", "386", "i386":
		return ArchX86, nil
	case "x64", "amd64", "x86_64":
		return ArchX64, nil
	case "arm", "arm64":
		return ArchARM, nil
	}
	return ArchUnknown, fmt.Errorf("%w: %q", ErrInvalidArchitecture, s)
}

func (a Architecture) String() string { return string(a) }
