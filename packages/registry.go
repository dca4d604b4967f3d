package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/pkgd/settings"
	"github.com/google/uuid"
)

// productNamespace seeds deterministic product codes.
var productNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/ggoodman/pkgd/packages"))

// ProductCodeFor derives the product code of a canonical name.
func ProductCodeFor(canonical string) uuid.UUID {
	return uuid.NewSHA1(productNamespace, []byte(strings.ToLower(canonical)))
}

// Catalog is the set of packages an install graph may search for
// supercedents.
type Catalog interface {
	Packages() []*Package
}

// Option configures a Registry.
type Option func(*Registry)

// WithHandler sets the format handler used to read, install and remove
// package files.
func WithHandler(h FormatHandler) Option { return func(r *Registry) { r.handler = h } }

// WithLayout sets the on-disk layout.
func WithLayout(l Layout) Option { return func(r *Registry) { r.layout = l } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry deduplicates packages by product code and identity. It is the
// only place packages are created.
type Registry struct {
	mu     sync.Mutex
	all    []*Package
	byCode map[uuid.UUID]*Package
	byName map[string]*Package

	handler FormatHandler
	layout  Layout
	log     *slog.Logger

	info    *settings.Store
	env     *settings.Store
	regKeys *settings.Store

	notifyMu sync.Mutex
	updated  chan struct{}
	hooks    []func(*Package, bool)
}

// NewRegistry returns an empty registry persisting package state in s.
func NewRegistry(s *settings.Store, opts ...Option) *Registry {
	r := &Registry{
		byCode:  make(map[uuid.UUID]*Package),
		byName:  make(map[string]*Package),
		log:     slog.Default(),
		info:    s.Sub(".packageInformation"),
		env:     s.Sub("Environment"),
		regKeys: s.Sub("Registry"),
		updated: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Layout returns the on-disk layout.
func (r *Registry) Layout() Layout { return r.layout }

// Handler returns the configured format handler, which may be nil.
func (r *Registry) Handler() FormatHandler { return r.handler }

// Environment is the settings view holding composed environment variables.
func (r *Registry) Environment() *settings.Store { return r.env }

// Keys is the settings view holding composed registry values.
func (r *Registry) Keys() *settings.Store { return r.regKeys }

// Changed wakes everything waiting on Updates.
func (r *Registry) Changed() {
	r.notifyMu.Lock()
	close(r.updated)
	r.updated = make(chan struct{})
	r.notifyMu.Unlock()
}

// Updates returns a channel closed on the next change notification.
func (r *Registry) Updates() <-chan struct{} {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.updated
}

// OnInstallChange registers fn to run whenever a package's install flag
// flips.
func (r *Registry) OnInstallChange(fn func(p *Package, installed bool)) {
	r.notifyMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.notifyMu.Unlock()
}

func (r *Registry) installStateChanged(p *Package, installed bool) {
	r.notifyMu.Lock()
	hooks := slices.Clone(r.hooks)
	r.notifyMu.Unlock()
	for _, fn := range hooks {
		fn(p, installed)
	}
	r.Changed()
}

// ByProductCode returns the package with the given code, creating an
// identity-less placeholder on first reference.
func (r *Registry) ByProductCode(code uuid.UUID) *Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byCode[code]; ok {
		return p
	}
	p := newPackage(r, Identity{}, code)
	r.byCode[code] = p
	r.all = append(r.all, p)
	return p
}

// ByIdentity returns the package with the given identity, creating it on
// first reference. A non-nil code that matches an identity-less placeholder
// fills in that placeholder instead.
func (r *Registry) ByIdentity(id Identity, code uuid.UUID) *Package {
	id.Name = strings.ToLower(id.Name)
	id.PublicKeyToken = strings.ToLower(id.PublicKeyToken)
	canonical := id.CanonicalName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if canonical != "" {
		if p, ok := r.byName[canonical]; ok {
			if code != uuid.Nil && p.ProductCode() == uuid.Nil {
				p.setProductCode(code)
				r.byCode[code] = p
			}
			return p
		}
	}
	if code != uuid.Nil {
		if p, ok := r.byCode[code]; ok {
			if p.CanonicalName() == "" && canonical != "" {
				p.setIdentity(id)
				r.byName[canonical] = p
			}
			return p
		}
	}

	p := newPackage(r, id, code)
	if canonical != "" {
		r.byName[canonical] = p
	}
	if code != uuid.Nil {
		r.byCode[code] = p
	}
	r.all = append(r.all, p)
	return p
}

// ByCanonicalName returns the known package with the given canonical name.
func (r *Registry) ByCanonicalName(name string) (*Package, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[strings.ToLower(name)]
	return p, ok
}

// ByFilename reads the package file at path and returns the package it
// describes, recording path as a local location.
func (r *Registry) ByFilename(path string) (*Package, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	if r.handler == nil {
		return nil, ErrNoHandler
	}
	md, err := r.handler.ReadMetadata(abs)
	if err != nil {
		return nil, err
	}
	return r.Register(md, abs)
}

// Register returns the package described by md, merging the metadata into
// it. A non-empty localPath is recorded as a local location.
func (r *Registry) Register(md *Metadata, localPath string) (*Package, error) {
	if md == nil || md.CanonicalName() == "" {
		return nil, fmt.Errorf("%w: metadata has no identity", ErrInvalidCanonicalName)
	}
	code := ProductCodeFor(md.CanonicalName())
	if md.ProductCode != "" {
		parsed, err := uuid.Parse(md.ProductCode)
		if err != nil {
			return nil, fmt.Errorf("packages: product code %q: %w", md.ProductCode, err)
		}
		code = parsed
	}

	p := r.ByIdentity(md.Identity, code)
	p.setDescription(md.Vendor, md.DisplayName, md.Details)

	d := p.Internal()
	if localPath != "" {
		d.AddLocalLocation(localPath)
	}
	for _, loc := range md.RemoteLocations {
		d.AddRemoteLocation(loc)
	}
	for _, loc := range md.FeedLocations {
		d.AddFeedLocation(loc)
	}
	if len(md.Roles) > 0 {
		d.SetRoles(md.Roles)
	}
	if md.PolicyMinimum != 0 || md.PolicyMaximum != 0 {
		d.SetPolicyRange(md.PolicyMinimum, md.PolicyMaximum)
	}
	if len(md.Dependencies) > 0 {
		deps := make([]*Package, 0, len(md.Dependencies))
		for _, name := range md.Dependencies {
			id, err := ParseCanonicalName(name)
			if err != nil {
				r.log.Warn("package.dependency.invalid", slog.String("package", p.CanonicalName()), slog.String("dependency", name))
				continue
			}
			deps = append(deps, r.ByIdentity(id, uuid.Nil))
		}
		d.SetDependencies(deps)
	}
	return p, nil
}

// Packages returns every package the registry knows, in creation order.
func (r *Registry) Packages() []*Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.all)
}

// Installed returns every installed package.
func (r *Registry) Installed() []*Package {
	var out []*Package
	for _, p := range r.Packages() {
		if p.CanonicalName() != "" && p.IsInstalled() {
			out = append(out, p)
		}
	}
	return out
}

// FindInstalled returns the installed packages of a family, highest version
// first. An empty arch matches every architecture.
func (r *Registry) FindInstalled(name string, arch Architecture, token string) []*Package {
	name, token = strings.ToLower(name), strings.ToLower(token)
	var out []*Package
	for _, p := range r.Installed() {
		if p.Name() != name || p.PublicKeyToken() != token {
			continue
		}
		if arch != ArchUnknown && p.Architecture() != arch {
			continue
		}
		out = append(out, p)
	}
	sortByVersionDesc(out)
	return out
}

// Find returns the known packages matching f.
func (r *Registry) Find(f Filter) []*Package {
	var out []*Package
	for _, p := range r.Packages() {
		if p.CanonicalName() != "" && f.Matches(p.Identity()) {
			out = append(out, p)
		}
	}
	return out
}

// CurrentVersion returns the current version of the (name, token) family.
// A stored pointer to a version that is no longer installed is replaced by
// the highest installed version, which is made current. With nothing
// installed the pointer is deleted and 0 is returned.
func (r *Registry) CurrentVersion(ctx context.Context, name, token string) (Version, error) {
	family := r.info.Sub(Identity{Name: strings.ToLower(name), PublicKeyToken: strings.ToLower(token)}.GeneralName())
	installed := r.FindInstalled(name, ArchUnknown, token)

	stored, ok, err := family.Int64(ctx, "#CurrentVersion")
	if err != nil {
		return 0, err
	}
	if ok {
		v := Version(uint64(stored))
		for _, p := range installed {
			if p.Version() == v {
				return v, nil
			}
		}
	}

	if len(installed) == 0 {
		if ok {
			if err := family.Delete(ctx, "#CurrentVersion"); err != nil {
				return 0, err
			}
			r.log.InfoContext(ctx, "package.current.cleared", slog.String("family", name))
		}
		return 0, nil
	}

	top := installed[0]
	if err := top.SetCurrent(ctx); err != nil {
		return 0, err
	}
	return top.Version(), nil
}

func sortByVersionDesc(ps []*Package) {
	slices.SortStableFunc(ps, func(a, b *Package) int {
		switch av, bv := a.Version(), b.Version(); {
		case av > bv:
			return -1
		case av < bv:
			return 1
		}
		return 0
	})
}
