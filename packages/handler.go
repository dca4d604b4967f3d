package packages

import (
	"context"
	"time"

	"github.com/ggoodman/pkgd/protocol"
)

// FormatHandler performs the package-format specific work: reading metadata
// from a package file and installing or removing its payload.
type FormatHandler interface {
	// ReadMetadata describes the package file at path.
	ReadMetadata(path string) (*Metadata, error)
	// Install unpacks pkg's payload into its package directory.
	Install(ctx context.Context, pkg *Package, progress func(percent int)) error
	// Remove deletes pkg's payload.
	Remove(ctx context.Context, pkg *Package, progress func(percent int)) error
	// IsInstalled reports whether pkg's payload is present.
	IsInstalled(pkg *Package) (bool, error)
	// Composition returns the composition data declared by pkg.
	Composition(pkg *Package) (*Composition, error)
}

// Verifier checks the signature of a package file.
type Verifier interface {
	// Verify returns the publisher name when path carries a valid signature.
	Verify(path string) (publisher string, err error)
}

// Emitter receives events produced while operating on packages.
type Emitter interface {
	Emit(protocol.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(protocol.Event)

func (f EmitterFunc) Emit(ev protocol.Event) { f(ev) }

type discard struct{}

func (discard) Emit(protocol.Event) {}

// RoleKind is the kind of a package role.
type RoleKind string

const (
	RoleAssembly         RoleKind = "Assembly"
	RoleDeveloperLibrary RoleKind = "DeveloperLibrary"
	RoleSourceCode       RoleKind = "SourceCode"
	RoleApplication      RoleKind = "Application"
	RoleDriver           RoleKind = "Driver"
	RoleWebApplication   RoleKind = "WebApplication"
	RoleService          RoleKind = "Service"
)

// Role is a named role a package plays.
type Role struct {
	Name string
	Kind RoleKind
}

// Contributor is a person credited by a package.
type Contributor struct {
	Name  string
	URL   string
	Email string
}

// Details are the descriptive fields shown by get-package-details.
type Details struct {
	Description   string
	Summary       string
	Copyright     string
	AuthorVersion string
	Icon          string
	License       string
	LicenseURL    string
	PublishDate   time.Time
	Publisher     Contributor
	Contributors  []Contributor
	Tags          []string
}

// Metadata is what a FormatHandler knows about a package file.
type Metadata struct {
	Identity
	ProductCode     string
	Vendor          string
	DisplayName     string
	Roles           []Role
	Dependencies    []string
	RemoteLocations []string
	FeedLocations   []string
	PolicyMinimum   Version
	PolicyMaximum   Version
	Details         Details
}
