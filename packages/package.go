// Package packages holds the package entity model: identity, install state,
// per-session and per-request bookkeeping, the composition engine that
// projects an installed package into shared locations, and the registry that
// deduplicates packages.
package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/ggoodman/pkgd/settings"
	"github.com/google/uuid"
)

var (
	// ErrNotInstalled is returned by operations that need an installed package.
	ErrNotInstalled = errors.New("packages: not installed")
	// ErrUnresolvable is returned when an install graph cannot be satisfied.
	ErrUnresolvable = errors.New("packages: install graph cannot be resolved")
	// ErrFileNotFound is returned by Registry.ByFilename for missing files.
	ErrFileNotFound = errors.New("packages: file not found")
	// ErrNoHandler is returned when no FormatHandler is configured.
	ErrNoHandler = errors.New("packages: no format handler configured")
)

// InstallFailedError reports a failed install after rollback was attempted.
type InstallFailedError struct {
	CanonicalName string
	Err           error
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("packages: install of %s failed: %v", e.CanonicalName, e.Err)
}

func (e *InstallFailedError) Unwrap() error { return e.Err }

// RemoveFailedError reports a failed removal.
type RemoveFailedError struct {
	CanonicalName string
	Err           error
}

func (e *RemoveFailedError) Error() string {
	return fmt.Sprintf("packages: removal of %s failed: %v", e.CanonicalName, e.Err)
}

func (e *RemoveFailedError) Unwrap() error { return e.Err }

const defaultVendor = "unknown"

// Package is a long-lived proxy for one package identity. Packages are
// created by a Registry and never deleted; removal only flips the install
// flag.
type Package struct {
	reg *Registry

	mu          sync.RWMutex
	id          Identity
	productCode uuid.UUID
	vendor      string
	displayName string
	details     Details

	installMu sync.Mutex
	installed *bool

	internal *InternalData
}

func newPackage(reg *Registry, id Identity, code uuid.UUID) *Package {
	p := &Package{reg: reg, id: id, productCode: code}
	p.internal = newInternalData(p)
	return p
}

// Identity returns the package identity.
func (p *Package) Identity() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

func (p *Package) Name() string               { return p.Identity().Name }
func (p *Package) Version() Version           { return p.Identity().Version }
func (p *Package) Architecture() Architecture { return p.Identity().Architecture }
func (p *Package) PublicKeyToken() string     { return p.Identity().PublicKeyToken }
func (p *Package) CanonicalName() string      { return p.Identity().CanonicalName() }
func (p *Package) GeneralName() string        { return p.Identity().GeneralName() }
func (p *Package) CosmeticName() string       { return p.Identity().CosmeticName() }
func (p *Package) Internal() *InternalData    { return p.internal }
func (p *Package) String() string             { return p.CanonicalName() }
func (p *Package) ProductCode() uuid.UUID     { p.mu.RLock(); defer p.mu.RUnlock(); return p.productCode }
func (p *Package) DisplayName() string        { p.mu.RLock(); defer p.mu.RUnlock(); return p.displayName }
func (p *Package) Details() Details           { p.mu.RLock(); defer p.mu.RUnlock(); return p.details }
func (p *Package) setIdentity(id Identity)    { p.mu.Lock(); p.id = id; p.mu.Unlock() }
func (p *Package) setProductCode(c uuid.UUID) { p.mu.Lock(); p.productCode = c; p.mu.Unlock() }

// Vendor returns the publishing vendor, used as a directory name.
func (p *Package) Vendor() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.vendor == "" {
		return defaultVendor
	}
	return p.vendor
}

func (p *Package) setDescription(vendor, displayName string, d Details) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vendor != "" {
		p.vendor = vendor
	}
	if displayName != "" {
		p.displayName = displayName
	}
	p.details = d
}

// TargetDirectory is the per-architecture install root.
func (p *Package) TargetDirectory() string {
	return p.reg.layout.InstalledDir(p.Architecture())
}

// PackageDirectory is where the package's payload is installed.
func (p *Package) PackageDirectory() string {
	return filepath.Join(p.TargetDirectory(), p.Vendor(), p.CanonicalName())
}

// IsInstalled reports the cached install state, asking the format handler
// on first use.
func (p *Package) IsInstalled() bool {
	p.installMu.Lock()
	defer p.installMu.Unlock()
	if p.installed != nil {
		return *p.installed
	}
	v := false
	if h := p.reg.handler; h != nil && p.CanonicalName() != "" {
		ok, err := h.IsInstalled(p)
		if err != nil {
			p.reg.log.Warn("package.installed.err", slog.String("package", p.CanonicalName()), slog.String("err", err.Error()))
		}
		v = ok && err == nil
	}
	p.installed = &v
	return v
}

// setInstalled updates the install flag and notifies listeners when the
// value changes.
func (p *Package) setInstalled(v bool) {
	p.installMu.Lock()
	changed := p.installed == nil || *p.installed != v
	p.installed = &v
	p.installMu.Unlock()
	if changed {
		p.reg.installStateChanged(p, v)
	}
}

// InvalidateInstalled forgets the cached install state.
func (p *Package) InvalidateInstalled() {
	p.installMu.Lock()
	p.installed = nil
	p.installMu.Unlock()
}

func (p *Package) settings() *settings.Store       { return p.reg.info.Sub(p.CanonicalName()) }
func (p *Package) familySettings() *settings.Store { return p.reg.info.Sub(p.GeneralName()) }

// IsClientRequired reports whether a client explicitly asked for the package.
func (p *Package) IsClientRequired(ctx context.Context) bool {
	v, _, err := p.settings().Bool(ctx, "#Required")
	if err != nil {
		p.reg.log.WarnContext(ctx, "package.required.err", slog.String("package", p.CanonicalName()), slog.String("err", err.Error()))
	}
	return v
}

// SetClientRequired persists the client-required flag.
func (p *Package) SetClientRequired(ctx context.Context, v bool) error {
	return p.settings().SetBool(ctx, "#Required", v)
}

// IsRequired is true when the package is client required or a dependency of
// a required package in this session.
func (p *Package) IsRequired(ctx context.Context, table *SessionTable) bool {
	if p.IsClientRequired(ctx) {
		return true
	}
	return table != nil && table.For(p).IsDependency()
}

// IsBlocked reports whether the (name, token) family is blocked from upgrades.
func (p *Package) IsBlocked(ctx context.Context) bool {
	v, _, err := p.familySettings().Bool(ctx, "#Blocked")
	if err != nil {
		p.reg.log.WarnContext(ctx, "package.blocked.err", slog.String("package", p.CanonicalName()), slog.String("err", err.Error()))
	}
	return v
}

// SetBlocked persists the blocked flag for the package's family.
func (p *Package) SetBlocked(ctx context.Context, v bool) error {
	return p.familySettings().SetBool(ctx, "#Blocked", v)
}

// IsActive reports whether this is the current version of its family.
func (p *Package) IsActive(ctx context.Context) bool {
	v, err := p.reg.CurrentVersion(ctx, p.Name(), p.PublicKeyToken())
	return err == nil && v != 0 && v == p.Version()
}

// SetCurrent makes this the current version of its family, composing with
// makeCurrent set. It is a no-op when already current.
func (p *Package) SetCurrent(ctx context.Context) error {
	if !p.IsInstalled() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, p.CanonicalName())
	}
	stored, _, err := p.familySettings().Int64(ctx, "#CurrentVersion")
	if err != nil {
		return err
	}
	if Version(uint64(stored)) == p.Version() {
		return nil
	}
	p.Compose(ctx, true)
	return p.familySettings().SetInt64(ctx, "#CurrentVersion", int64(uint64(p.Version())))
}

// Install installs the payload, marks the package installed and composes it.
// On any failure the payload is removed again and an *InstallFailedError is
// returned.
func (p *Package) Install(ctx context.Context, table *SessionTable, progress func(int)) (err error) {
	r := p.reg
	log := r.log.With(slog.String("package", p.CanonicalName()))

	defer func() {
		if err == nil {
			return
		}
		log.ErrorContext(ctx, "package.install.err", slog.String("err", err.Error()))
		if r.handler != nil {
			if rerr := r.handler.Remove(context.WithoutCancel(ctx), p, nil); rerr != nil {
				log.ErrorContext(ctx, "package.install.rollback.err", slog.String("err", rerr.Error()))
			}
		}
		p.setInstalled(false)
		err = &InstallFailedError{CanonicalName: p.CanonicalName(), Err: err}
	}()

	if r.handler == nil {
		return ErrNoHandler
	}
	if err := r.layout.EnsureCanonicalFolders(); err != nil {
		return err
	}
	current, err := r.CurrentVersion(ctx, p.Name(), p.PublicKeyToken())
	if err != nil {
		return err
	}
	if err := r.handler.Install(ctx, p, progress); err != nil {
		return err
	}
	p.setInstalled(true)
	log.InfoContext(ctx, "package.install.ok")

	if p.Version() > current {
		if err := p.SetCurrent(ctx); err != nil {
			return err
		}
		log.InfoContext(ctx, "package.current.ok")
	} else {
		p.Compose(ctx, false)
	}

	if table != nil && table.For(p).IsClientSpecified() {
		if err := p.SetClientRequired(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// Remove undoes composition and removes the payload. Whatever happens, the
// family's current version is re-evaluated afterwards.
func (p *Package) Remove(ctx context.Context, progress func(int)) (err error) {
	r := p.reg
	log := r.log.With(slog.String("package", p.CanonicalName()))

	defer func() {
		if _, cerr := r.CurrentVersion(ctx, p.Name(), p.PublicKeyToken()); cerr != nil {
			log.ErrorContext(ctx, "package.current.err", slog.String("err", cerr.Error()))
			if derr := p.familySettings().Clear(ctx); derr != nil {
				log.ErrorContext(ctx, "package.settings.clear.err", slog.String("err", derr.Error()))
			}
		}
	}()

	p.UndoComposition(ctx)

	if r.handler == nil {
		return &RemoveFailedError{CanonicalName: p.CanonicalName(), Err: ErrNoHandler}
	}
	if err := r.handler.Remove(ctx, p, progress); err != nil {
		log.ErrorContext(ctx, "package.remove.err", slog.String("err", err.Error()))
		return &RemoveFailedError{CanonicalName: p.CanonicalName(), Err: err}
	}
	p.setInstalled(false)
	log.InfoContext(ctx, "package.remove.ok")

	if err := p.settings().Clear(ctx); err != nil {
		log.WarnContext(ctx, "package.settings.clear.err", slog.String("err", err.Error()))
	}
	return nil
}
