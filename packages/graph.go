package packages

import (
	"context"

	"github.com/ggoodman/pkgd/protocol"
)

// InstallGraph returns the packages that must be installed, dependencies
// first, for pkg to be satisfied in this session. Installed packages and
// packages with an installed or installable supercedent contribute nothing.
// A hypothetical walk explores a candidate supercedent without reporting
// failures to the client. ErrUnresolvable is returned when some package in
// the graph cannot be installed.
func InstallGraph(ctx context.Context, pkg *Package, catalog Catalog, st *SessionTable, rt *RequestTable, hypothetical bool) ([]*Package, error) {
	w := &graphWalk{
		ctx:      ctx,
		catalog:  catalog,
		st:       st,
		rt:       rt,
		emit:     st.Emitter().Emit,
		visiting: make(map[*Package]bool),
	}
	out, err := w.walk(pkg, hypothetical)
	if err != nil {
		return nil, err
	}
	return dedupe(out), nil
}

type graphWalk struct {
	ctx      context.Context
	catalog  Catalog
	st       *SessionTable
	rt       *RequestTable
	emit     func(protocol.Event)
	visiting map[*Package]bool
}

func (w *graphWalk) satisfiedBy(pkg, by *Package) {
	if w.rt.For(pkg).MarkNotified() {
		w.emit(protocol.PackageSatisfiedBy{CanonicalName: pkg.CanonicalName(), SatisfiedBy: by.CanonicalName()})
	}
}

func (w *graphWalk) walk(pkg *Package, hypothetical bool) ([]*Package, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	// A package already on the walk stack is a dependency cycle; the outer
	// frame adds it.
	if w.visiting[pkg] {
		return nil, nil
	}
	w.visiting[pkg] = true
	defer delete(w.visiting, pkg)

	sd := w.st.For(pkg)

	if pkg.IsInstalled() {
		w.satisfiedBy(pkg, pkg)
		return nil, nil
	}

	if !sd.DoNotSupercede() {
		strict := sd.IsClientSpecified() || hypothetical
		if installed := w.supercedents(pkg, strict, true); len(installed) > 0 {
			w.satisfiedBy(pkg, installed[0])
			sd.SetSupercedent(installed[0])
			return nil, nil
		}

		if candidates := w.supercedents(pkg, strict, false); len(candidates) > 0 {
			if !sd.AllowedToSupercede() {
				names := make([]string, len(candidates))
				for i, c := range candidates {
					names[i] = c.CanonicalName()
				}
				w.emit(protocol.PackageHasPotentialUpgrades{CanonicalName: pkg.CanonicalName(), Supercedents: names})
				return nil, ErrUnresolvable
			}
			for _, c := range candidates {
				children, err := w.walk(c, true)
				if err != nil {
					continue
				}
				w.satisfiedBy(pkg, c)
				sd.SetSupercedent(c)
				if c.Name() == pkg.Name() {
					w.st.For(c).SetClientSpecified(sd.IsClientSpecified())
				}
				return children, nil
			}
		}
	}

	if !sd.IsPotentiallyInstallable() {
		if !hypothetical {
			reason := "No local file or remote location is known for the package."
			switch {
			case sd.CouldNotDownload():
				reason = "Unable to download package."
			case sd.FailedInstall():
				reason = "Package failed to install."
			}
			w.emit(protocol.FailedPackageInstall{CanonicalName: pkg.CanonicalName(), Filename: pkg.Internal().LocalLocation(), Reason: reason})
		}
		return nil, ErrUnresolvable
	}

	// Every dependency is walked even after a failure so that the client
	// hears about each one that cannot be satisfied.
	var out []*Package
	failed := false
	for _, dep := range pkg.Internal().Dependencies() {
		children, err := w.walk(dep, hypothetical)
		if err != nil {
			failed = true
			continue
		}
		out = append(out, children...)
	}
	if failed {
		return nil, ErrUnresolvable
	}
	return append(out, pkg), nil
}

// supercedents returns the catalog packages of pkg's family and
// architecture with a higher version, highest first. Unless strict, a
// candidate's policy range must also cover pkg's version.
func (w *graphWalk) supercedents(pkg *Package, strict, installed bool) []*Package {
	var out []*Package
	for _, c := range w.catalog.Packages() {
		if c == pkg || c.CanonicalName() == "" || c.Version() <= pkg.Version() {
			continue
		}
		if c.Name() != pkg.Name() || c.PublicKeyToken() != pkg.PublicKeyToken() || c.Architecture() != pkg.Architecture() {
			continue
		}
		if !strict && !c.Internal().CanStandInFor(pkg.Version()) {
			continue
		}
		if installed != c.IsInstalled() {
			continue
		}
		if !installed && !w.st.For(c).IsPotentiallyInstallable() {
			continue
		}
		out = append(out, c)
	}
	sortByVersionDesc(out)
	return out
}

func dedupe(ps []*Package) []*Package {
	seen := make(map[*Package]bool, len(ps))
	out := ps[:0]
	for _, p := range ps {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// UpdateDependencyFlags marks every package pkg transitively depends on as a
// dependency in table, following installed supercedents whose policy range
// covers the requested version. pkg itself is left unflagged.
func (r *Registry) UpdateDependencyFlags(ctx context.Context, pkg *Package, table *SessionTable) {
	r.flagDependencies(ctx, pkg, table, map[*Package]bool{pkg: true})
}

func (r *Registry) flagDependencies(ctx context.Context, pkg *Package, table *SessionTable, visited map[*Package]bool) {
	for _, dep := range pkg.Internal().Dependencies() {
		if dep.IsRequired(ctx, table) {
			continue
		}
		next := dep
		for _, s := range r.FindInstalled(dep.Name(), dep.Architecture(), dep.PublicKeyToken()) {
			if s.Internal().CanStandInFor(dep.Version()) {
				next = s
				break
			}
		}
		r.markDependency(ctx, next, table, visited)
	}
}

func (r *Registry) markDependency(ctx context.Context, pkg *Package, table *SessionTable, visited map[*Package]bool) {
	if visited[pkg] {
		return
	}
	visited[pkg] = true
	r.flagDependencies(ctx, pkg, table, visited)
	if !pkg.IsRequired(ctx, table) {
		table.For(pkg).SetDependency(true)
	}
}

// UpdateRequiredFlags recomputes the dependency flag of every installed
// package from the client-required set.
func (r *Registry) UpdateRequiredFlags(ctx context.Context, table *SessionTable) {
	installed := r.Installed()
	for _, p := range installed {
		table.For(p).SetDependency(false)
	}
	visited := make(map[*Package]bool)
	for _, p := range installed {
		if p.IsClientRequired(ctx) && !visited[p] {
			visited[p] = true
			r.flagDependencies(ctx, p, table, visited)
		}
	}
}
