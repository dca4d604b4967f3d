package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/ggoodman/pkgd/feeds"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

func (e *Engine) handleFindPackages(ctx context.Context, c *call) error {
	if !e.allowed(ctx, c, policy.EnumeratePackages) {
		return nil
	}
	e.reg.UpdateRequiredFlags(ctx, c.table)

	env := c.env
	filter := packages.Filter{
		Name:           env.Get("name"),
		Version:        env.Get("version"),
		Arch:           env.Get("arch"),
		PublicKeyToken: env.Get("public-key-token"),
	}
	if raw := env.Get("canonical-name"); raw != "" {
		id, err := packages.ParseCanonicalName(raw)
		if err != nil {
			c.argError("canonical-name", "Canonical name '%s' does not appear to be a valid canonical name", raw)
			return nil
		}
		filter = packages.Filter{Name: id.Name, Version: id.Version.String(), Arch: id.Architecture.String(), PublicKeyToken: id.PublicKeyToken}
	}

	forceScan := env.Bool("force-scan")
	found, err := e.feeds.FindPackages(ctx, c.state.feeds, feeds.Query{
		Filter:    filter,
		Location:  env.Get("location"),
		ForceScan: forceScan != nil && *forceScan,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.argError("location", "%v", err)
		return nil
	}

	flags := []struct {
		want *bool
		get  func(*packages.Package) bool
	}{
		{env.Bool("installed"), func(p *packages.Package) bool { return p.IsInstalled() }},
		{env.Bool("active"), func(p *packages.Package) bool { return p.IsActive(ctx) }},
		{env.Bool("required"), func(p *packages.Package) bool { return p.IsRequired(ctx, c.table) }},
		{env.Bool("blocked"), func(p *packages.Package) bool { return p.IsBlocked(ctx) }},
	}
	results := slices.DeleteFunc(found, func(p *packages.Package) bool {
		for _, f := range flags {
			if f.want != nil && f.get(p) != *f.want {
				return true
			}
		}
		return false
	})

	latest := env.Bool("latest")
	if latest != nil && *latest {
		results = highest(results)
	}
	if deps := env.Bool("dependencies"); deps != nil && *deps {
		var extra []*packages.Package
		for _, p := range results {
			extra = append(extra, p.Internal().Dependencies()...)
		}
		if latest != nil && *latest {
			extra = highest(extra)
		}
		for _, d := range extra {
			if !slices.Contains(results, d) {
				results = append(results, d)
			}
		}
	}

	results = paginate(c, results)
	if len(results) == 0 {
		c.Emit(protocol.NoPackagesFound{})
		return nil
	}
	for _, p := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Emit(packageInfo(ctx, p, c.table, e.supercedents(p)))
	}
	return nil
}

// highest keeps the highest version of each (name, arch, token) family.
func highest(ps []*packages.Package) []*packages.Package {
	type family struct {
		name, token string
		arch        packages.Architecture
	}
	best := make(map[family]*packages.Package)
	var order []family
	for _, p := range ps {
		k := family{p.Name(), p.PublicKeyToken(), p.Architecture()}
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || p.Version() > cur.Version() {
			best[k] = p
		}
	}
	out := make([]*packages.Package, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// supercedents lists the known higher versions of p whose policy range
// covers p, highest first.
func (e *Engine) supercedents(p *packages.Package) []*packages.Package {
	var out []*packages.Package
	for _, c := range e.reg.Find(packages.Filter{Name: p.Name(), Arch: p.Architecture().String(), PublicKeyToken: p.PublicKeyToken()}) {
		if c.Version() > p.Version() && c.Internal().CanStandInFor(p.Version()) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *packages.Package) int {
		switch {
		case a.Version() > b.Version():
			return -1
		case a.Version() < b.Version():
			return 1
		}
		return 0
	})
	return out
}

func (e *Engine) handleGetPackageDetails(ctx context.Context, c *call) error {
	p := e.singlePackage(ctx, c, "canonical-name")
	if p == nil {
		if c.env.Get("canonical-name") != "" {
			c.Emit(protocol.UnknownPackage{CanonicalName: c.env.Get("canonical-name")})
		}
		return nil
	}
	d := p.Details()
	roles := make(map[string]string)
	for _, r := range p.Internal().Roles() {
		roles[r.Name] = string(r.Kind)
	}
	contributors := make([]protocol.Contributor, 0, len(d.Contributors))
	for _, pc := range d.Contributors {
		contributors = append(contributors, protocol.Contributor{Name: pc.Name, URL: pc.URL, Email: pc.Email})
	}
	c.Emit(protocol.PackageDetails{
		CanonicalName:  p.CanonicalName(),
		Description:    d.Description,
		Summary:        d.Summary,
		DisplayName:    p.DisplayName(),
		Copyright:      d.Copyright,
		AuthorVersion:  d.AuthorVersion,
		Icon:           d.Icon,
		License:        d.License,
		LicenseURL:     d.LicenseURL,
		PublishDate:    d.PublishDate,
		PublisherName:  d.Publisher.Name,
		PublisherURL:   d.Publisher.URL,
		PublisherEmail: d.Publisher.Email,
		Roles:          roles,
		Tags:           d.Tags,
		Contributors:   contributors,
	})
	return nil
}

// installProgress spreads overall progress across the downloads and
// installs of one install-package request.
type installProgress struct {
	overall   float64
	each      float64
	installs  int
	downloads int
}

func (ip *installProgress) plan(installs, downloads int) {
	if installs == ip.installs && downloads == ip.downloads {
		return
	}
	ip.installs, ip.downloads = installs, downloads
	if n := installs + downloads; n > 0 {
		ip.each = (1 - ip.overall) / float64(n)
	}
}

func (ip *installProgress) advance(percentDelta int) {
	ip.overall += float64(percentDelta) * ip.each / 100
	if ip.overall > 1 {
		ip.overall = 1
	}
}

func (ip *installProgress) percent() int { return int(ip.overall * 100) }

func (e *Engine) handleInstallPackage(ctx context.Context, c *call) error {
	canonical := c.env.Get("canonical-name")
	pkg := e.singlePackage(ctx, c, "canonical-name")
	if pkg == nil {
		if canonical != "" {
			c.Emit(protocol.UnknownPackage{CanonicalName: canonical})
		}
		return nil
	}

	installed := e.reg.FindInstalled(pkg.Name(), pkg.Architecture(), pkg.PublicKeyToken())
	if len(installed) > 0 && installed[0].Version() < pkg.Version() {
		if pkg.IsBlocked(ctx) {
			c.Emit(protocol.PackageBlocked{CanonicalName: pkg.CanonicalName()})
			return nil
		}
		if !e.allowed(ctx, c, policy.UpdatePackage) {
			return nil
		}
	} else if !e.allowed(ctx, c, policy.InstallPackage) {
		return nil
	}

	autoUpgrade := c.env.Bool("auto-upgrade")
	download := c.env.Bool("download")
	pretend := c.env.Bool("pretend")
	isTrue := func(b *bool) bool { return b != nil && *b }
	isFalse := func(b *bool) bool { return b != nil && !*b }

	sd := c.table.For(pkg)
	sd.SetDoNotSupercede(isFalse(autoUpgrade))
	sd.SetUpgradeAsNeeded(isTrue(autoUpgrade))
	sd.SetClientSpecified(true)

	log := e.log.With(slog.String("package", pkg.CanonicalName()))
	var progress installProgress
	retried := make(map[*packages.Package]bool)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		// Capture the notification channel before looking at the world so
		// that changes made while we work still wake the wait below.
		updates := e.reg.Updates()
		if err := ctx.Err(); err != nil {
			return err
		}

		e.refreshFeeds(ctx, c)
		graph, err := packages.InstallGraph(ctx, pkg, e.reg, c.table, c.rt, false)
		if errors.Is(err, packages.ErrUnresolvable) {
			c.Emit(protocol.FailedPackageInstall{
				CanonicalName: pkg.CanonicalName(),
				Filename:      pkg.Internal().LocalLocation(),
				Reason:        "One or more dependencies are unable to be resolved.",
			})
			return nil
		}
		if err != nil {
			return err
		}

		if isFalse(download) && isTrue(pretend) {
			for _, p := range graph {
				c.Emit(packageInfo(ctx, p, c.table, nil))
			}
			return nil
		}

		var missing []*packages.Package
		for _, p := range graph {
			if !p.Internal().HasLocalLocation() {
				missing = append(missing, p)
			}
		}
		if isTrue(download) {
			for _, p := range missing {
				if !retried[p] {
					retried[p] = true
					c.table.For(p).SetCouldNotDownload(false)
				}
			}
		}
		progress.plan(len(graph), len(missing))

		if len(missing) > 0 {
			for _, p := range missing {
				psd := c.table.For(p)
				if psd.HasRequestedDownload() {
					continue
				}
				c.Emit(protocol.RequireRemoteFile{
					CanonicalName:   p.CanonicalName(),
					Destination:     e.reg.Layout().CacheDir(),
					RemoteLocations: p.Internal().RemoteLocations(),
				})
				psd.SetHasRequestedDownload(true)
			}
		} else {
			if isTrue(pretend) {
				for _, p := range graph {
					c.Emit(packageInfo(ctx, p, c.table, nil))
				}
				return nil
			}
			done, err := e.installGraph(ctx, c, graph, &progress)
			if err != nil || done {
				return err
			}
			log.InfoContext(ctx, "engine.install.retry")
			continue
		}

		// Wait for the world to change: a recognized file, a failed
		// download, or new packages in a feed.
	wait:
		for {
			select {
			case <-updates:
				break wait
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for _, p := range missing {
					progress.advance(c.table.For(p).DownloadProgressDelta())
				}
			}
		}
	}
}

// installGraph installs every package of graph in order. It reports done
// when nothing is left to retry.
func (e *Engine) installGraph(ctx context.Context, c *call, graph []*packages.Package, progress *installProgress) (bool, error) {
	for _, p := range graph {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if p.IsInstalled() {
			continue
		}
		psd := c.table.For(p)
		location := c.table.LocalValidatedLocation(p)
		if location == "" {
			c.Emit(protocol.FailedPackageInstall{
				CanonicalName: p.CanonicalName(),
				Filename:      p.Internal().LocalLocation(),
				Reason:        "Can not find local valid package",
			})
			psd.SetFailedInstall(true)
			return false, nil
		}
		p.Internal().AddLocalLocation(location)

		last := 0
		e.installMu.Lock()
		err := p.Install(ctx, c.table, func(pct int) {
			progress.advance(pct - last)
			last = pct
			c.Emit(protocol.InstallingPackage{CanonicalName: p.CanonicalName(), PercentComplete: pct, OverallPercentComplete: progress.percent()})
		})
		e.installMu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.Emit(protocol.FailedPackageInstall{CanonicalName: p.CanonicalName(), Filename: location, Reason: "Package failed to install."})
			psd.SetFailedInstall(true)
			if !psd.AllowedToSupercede() {
				return true, nil
			}
			return false, nil
		}
		progress.advance(100 - last)
		if last < 100 {
			c.Emit(protocol.InstallingPackage{CanonicalName: p.CanonicalName(), PercentComplete: 100, OverallPercentComplete: progress.percent()})
		}
		c.Emit(protocol.InstalledPackage{CanonicalName: p.CanonicalName()})
	}
	return true, nil
}

// refreshFeeds scans the feeds visible to the session so that the registry
// knows every package they offer.
func (e *Engine) refreshFeeds(ctx context.Context, c *call) {
	if _, err := e.feeds.FindPackages(ctx, c.state.feeds, feeds.Query{}); err != nil && ctx.Err() == nil {
		e.log.WarnContext(ctx, "engine.feeds.refresh.err", slog.String("err", err.Error()))
	}
}

func (e *Engine) handleDownloadProgress(ctx context.Context, c *call) error {
	id, err := packages.ParseCanonicalName(c.env.Get("canonical-name"))
	if err != nil {
		return nil
	}
	p, ok := e.reg.ByCanonicalName(id.CanonicalName())
	if !ok {
		return nil
	}
	if pct := c.env.Int("progress"); pct != nil {
		sd := c.table.For(p)
		sd.SetDownloadProgress(max(sd.DownloadProgress(), *pct))
	}
	return nil
}

func (e *Engine) handleRemovePackage(ctx context.Context, c *call) error {
	if !e.allowed(ctx, c, policy.RemovePackage) {
		return nil
	}
	canonical := c.env.Get("canonical-name")
	p := e.singlePackage(ctx, c, "canonical-name")
	if p == nil {
		if canonical != "" {
			c.Emit(protocol.UnknownPackage{CanonicalName: canonical})
		}
		return nil
	}
	if !p.IsInstalled() {
		c.argError("canonical-name", "package '%s' is not installed.", canonical)
		return nil
	}
	if p.IsBlocked(ctx) {
		c.Emit(protocol.PackageBlocked{CanonicalName: p.CanonicalName()})
		return nil
	}
	if force := c.env.Bool("force"); force == nil || !*force {
		e.reg.UpdateRequiredFlags(ctx, c.table)
		if c.table.For(p).IsDependency() {
			c.Emit(protocol.FailedPackageRemove{
				CanonicalName: p.CanonicalName(),
				Reason:        "Package '" + p.CanonicalName() + "' is a required dependency of another package.",
			})
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.Remove(ctx, func(pct int) {
		c.Emit(protocol.RemovingPackage{CanonicalName: p.CanonicalName(), PercentComplete: pct})
	})
	if err != nil {
		c.Emit(protocol.FailedPackageRemove{CanonicalName: p.CanonicalName(), Reason: err.Error()})
		return nil
	}
	c.Emit(protocol.RemovingPackage{CanonicalName: p.CanonicalName(), PercentComplete: 100})
	c.Emit(protocol.RemovedPackage{CanonicalName: p.CanonicalName()})
	return nil
}

func (e *Engine) handleSetPackage(ctx context.Context, c *call) error {
	canonical := c.env.Get("canonical-name")
	p := e.singlePackage(ctx, c, "canonical-name")
	if p == nil {
		if canonical != "" {
			c.Emit(protocol.UnknownPackage{CanonicalName: canonical})
		}
		return nil
	}
	if !p.IsInstalled() {
		c.argError("canonical-name", "package '%s' is not installed.", canonical)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if active := c.env.Bool("active"); active != nil && e.allowed(ctx, c, policy.ChangeActivePackage) {
		target := p
		if !*active {
			if hs := e.reg.FindInstalled(p.Name(), p.Architecture(), p.PublicKeyToken()); len(hs) > 0 {
				target = hs[0]
			}
		}
		if err := target.SetCurrent(ctx); err != nil {
			return err
		}
	}
	if required := c.env.Bool("required"); required != nil && e.allowed(ctx, c, policy.ChangeRequiredState) {
		if err := p.SetClientRequired(ctx, *required); err != nil {
			return err
		}
	}
	if blocked := c.env.Bool("blocked"); blocked != nil && e.allowed(ctx, c, policy.ChangeBlockedState) {
		if err := p.SetBlocked(ctx, *blocked); err != nil {
			return err
		}
	}

	c.Emit(packageInfo(ctx, p, c.table, nil))
	return nil
}
