package packages

import (
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// InternalData is package information that is discovered lazily and shared
// by every session: where the package file can be found, its roles and
// composition rules, its dependencies and the version range it may stand in
// for.
type InternalData struct {
	pkg *Package

	localMu       sync.Mutex
	localLocs     []string
	primaryLocal  string
	remoteMu      sync.Mutex
	remoteLocs    []string
	primaryRemote string
	feedMu        sync.Mutex
	feedLocs      []string
	primaryFeed   string

	mu                     sync.RWMutex
	canonicalPackageLoc    string
	canonicalFeedLoc       string
	policyMin, policyMax   Version
	policySet              bool
	roles                  []Role
	dependencies           []*Package
	composition            *Composition
	compositionLoadAttempt bool
}

func newInternalData(p *Package) *InternalData {
	return &InternalData{pkg: p}
}

func isLocalFile(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// LocalLocation returns the primary local file for the package, falling back
// to the first still-viable known location.
func (d *InternalData) LocalLocation() string {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	if isLocalFile(d.primaryLocal) {
		return d.primaryLocal
	}
	d.primaryLocal = ""
	for _, p := range d.localLocs {
		if isLocalFile(p) {
			d.primaryLocal = p
			break
		}
	}
	return d.primaryLocal
}

// AddLocalLocation records path as the primary local file when it exists.
func (d *InternalData) AddLocalLocation(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil || !isLocalFile(abs) {
		return false
	}
	d.localMu.Lock()
	d.primaryLocal = abs
	if !slices.Contains(d.localLocs, abs) {
		d.localLocs = append(d.localLocs, abs)
	}
	d.localMu.Unlock()
	d.pkg.reg.Changed()
	return true
}

// LocalLocations returns every known local location.
func (d *InternalData) LocalLocations() []string {
	d.localMu.Lock()
	defer d.localMu.Unlock()
	return slices.Clone(d.localLocs)
}

// HasLocalLocation reports whether a viable local file is known.
func (d *InternalData) HasLocalLocation() bool { return d.LocalLocation() != "" }

// RemoteLocation returns the canonical package location when known, else
// the primary remote URL.
func (d *InternalData) RemoteLocation() string {
	d.mu.RLock()
	canonical := d.canonicalPackageLoc
	d.mu.RUnlock()
	if canonical != "" {
		return canonical
	}
	d.remoteMu.Lock()
	defer d.remoteMu.Unlock()
	if d.primaryRemote == "" && len(d.remoteLocs) > 0 {
		d.primaryRemote = d.remoteLocs[0]
	}
	return d.primaryRemote
}

// AddRemoteLocation records an absolute URL. Anything else is ignored.
func (d *InternalData) AddRemoteLocation(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() || u.Host == "" && u.Scheme != "file" {
		return false
	}
	s := u.String()
	d.remoteMu.Lock()
	d.primaryRemote = s
	if !slices.Contains(d.remoteLocs, s) {
		d.remoteLocs = append(d.remoteLocs, s)
	}
	d.remoteMu.Unlock()
	return true
}

// RemoteLocations returns every known remote URL.
func (d *InternalData) RemoteLocations() []string {
	d.remoteMu.Lock()
	defer d.remoteMu.Unlock()
	return slices.Clone(d.remoteLocs)
}

// HasRemoteLocation reports whether any remote location is known.
func (d *InternalData) HasRemoteLocation() bool { return d.RemoteLocation() != "" }

// FeedLocation returns the canonical feed location when known, else the
// primary feed the package was seen in.
func (d *InternalData) FeedLocation() string {
	d.mu.RLock()
	canonical := d.canonicalFeedLoc
	d.mu.RUnlock()
	if canonical != "" {
		return canonical
	}
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	if d.primaryFeed == "" && len(d.feedLocs) > 0 {
		d.primaryFeed = d.feedLocs[0]
	}
	return d.primaryFeed
}

// AddFeedLocation records a feed the package was seen in.
func (d *InternalData) AddFeedLocation(loc string) {
	if loc == "" {
		return
	}
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	d.primaryFeed = loc
	if !slices.Contains(d.feedLocs, loc) {
		d.feedLocs = append(d.feedLocs, loc)
	}
}

// FeedLocations returns every feed the package was seen in.
func (d *InternalData) FeedLocations() []string {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	return slices.Clone(d.feedLocs)
}

// SetCanonicalLocations records the authoritative package and feed URLs.
func (d *InternalData) SetCanonicalLocations(pkgLoc, feedLoc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pkgLoc != "" {
		d.canonicalPackageLoc = pkgLoc
	}
	if feedLoc != "" {
		d.canonicalFeedLoc = feedLoc
	}
}

// PolicyRange returns the range of versions this package may stand in for.
// Without an explicit range a package only stands in for itself.
func (d *InternalData) PolicyRange() (min, max Version) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.policySet {
		v := d.pkg.Version()
		return v, v
	}
	return d.policyMin, d.policyMax
}

// SetPolicyRange sets the binding policy version range.
func (d *InternalData) SetPolicyRange(min, max Version) {
	d.mu.Lock()
	d.policyMin, d.policyMax, d.policySet = min, max, true
	d.mu.Unlock()
}

// CanStandInFor reports whether this package's policy range covers v.
func (d *InternalData) CanStandInFor(v Version) bool {
	min, max := d.PolicyRange()
	return min <= v && v <= max
}

// Roles returns the declared roles.
func (d *InternalData) Roles() []Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.roles)
}

// SetRoles replaces the declared roles.
func (d *InternalData) SetRoles(roles []Role) {
	d.mu.Lock()
	d.roles = slices.Clone(roles)
	d.mu.Unlock()
}

// Dependencies returns the packages this one depends on.
func (d *InternalData) Dependencies() []*Package {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.dependencies)
}

// AddDependency adds dep to the dependency set, raising a change
// notification when the set changes.
func (d *InternalData) AddDependency(dep *Package) {
	d.mu.Lock()
	if dep == nil || dep == d.pkg || slices.Contains(d.dependencies, dep) {
		d.mu.Unlock()
		return
	}
	d.dependencies = append(d.dependencies, dep)
	d.mu.Unlock()
	d.pkg.reg.Changed()
}

// SetDependencies replaces the dependency set.
func (d *InternalData) SetDependencies(deps []*Package) {
	d.mu.Lock()
	d.dependencies = d.dependencies[:0]
	for _, dep := range deps {
		if dep != nil && dep != d.pkg && !slices.Contains(d.dependencies, dep) {
			d.dependencies = append(d.dependencies, dep)
		}
	}
	d.mu.Unlock()
	d.pkg.reg.Changed()
}

// Composition returns the package's declared composition data, loading it
// from the format handler on first use.
func (d *InternalData) Composition() *Composition {
	d.mu.RLock()
	c, attempted := d.composition, d.compositionLoadAttempt
	d.mu.RUnlock()
	if c != nil {
		return c
	}
	if attempted {
		return &Composition{}
	}

	if h := d.pkg.reg.handler; h != nil {
		loaded, err := h.Composition(d.pkg)
		if err != nil {
			d.pkg.reg.log.Warn("package.composition.load.err", "package", d.pkg.CanonicalName(), "err", err.Error())
		}
		c = loaded
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.compositionLoadAttempt = true
	if d.composition == nil {
		d.composition = c
	}
	if d.composition == nil {
		return &Composition{}
	}
	return d.composition
}

// SetComposition overrides the declared composition data.
func (d *InternalData) SetComposition(c *Composition) {
	d.mu.Lock()
	d.composition = c
	d.compositionLoadAttempt = true
	d.mu.Unlock()
}
