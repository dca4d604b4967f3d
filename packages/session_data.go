package packages

import (
	"sync"

	"github.com/ggoodman/pkgd/protocol"
)

// SessionTable holds per-package state scoped to one client session. It is
// never persisted.
type SessionTable struct {
	emitter  Emitter
	verifier Verifier
	entries  *sessionEntries
}

type sessionEntries struct {
	mu   sync.Mutex
	data map[*Package]*SessionData
}

// NewSessionTable returns an empty table. Events produced while resolving
// validated locations go to emitter; a nil verifier accepts no signatures.
func NewSessionTable(emitter Emitter, verifier Verifier) *SessionTable {
	if emitter == nil {
		emitter = discard{}
	}
	return &SessionTable{
		emitter:  emitter,
		verifier: verifier,
		entries:  &sessionEntries{data: make(map[*Package]*SessionData)},
	}
}

// WithEmitter returns a view of t that shares its package data but sends
// events to e.
func (t *SessionTable) WithEmitter(e Emitter) *SessionTable {
	if e == nil {
		e = discard{}
	}
	return &SessionTable{emitter: e, verifier: t.verifier, entries: t.entries}
}

// For returns p's session data, creating it on first use.
func (t *SessionTable) For(p *Package) *SessionData {
	t.entries.mu.Lock()
	defer t.entries.mu.Unlock()
	d, ok := t.entries.data[p]
	if !ok {
		d = &SessionData{pkg: p, table: t}
		t.entries.data[p] = d
	}
	return d
}

// LocalValidatedLocation is SessionData.LocalValidatedLocation reporting
// to this view's emitter.
func (t *SessionTable) LocalValidatedLocation(p *Package) string {
	return t.For(p).localValidatedLocation(t.emitter)
}

// Emitter returns the sink for session events.
func (t *SessionTable) Emitter() Emitter { return t.emitter }

// SessionData is what one session knows about one package.
type SessionData struct {
	pkg   *Package
	table *SessionTable

	mu                   sync.Mutex
	isClientSpecified    bool
	isDependency         bool
	doNotSupercede       bool
	upgradeAsNeeded      bool
	hasRequestedDownload bool
	couldNotDownload     bool
	failedInstall        bool
	supercedent          *Package
	downloadProgress     int
	lastProgress         int
	validatedLocation    string
}

func (d *SessionData) get(f func() bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return f()
}

// set assigns *field and raises a change notification if it changed.
func (d *SessionData) set(field *bool, v bool) {
	d.mu.Lock()
	changed := *field != v
	*field = v
	d.mu.Unlock()
	if changed {
		d.pkg.reg.Changed()
	}
}

func (d *SessionData) IsClientSpecified() bool {
	return d.get(func() bool { return d.isClientSpecified })
}
func (d *SessionData) SetClientSpecified(v bool) { d.set(&d.isClientSpecified, v) }

func (d *SessionData) IsDependency() bool     { return d.get(func() bool { return d.isDependency }) }
func (d *SessionData) SetDependency(v bool)   { d.set(&d.isDependency, v) }
func (d *SessionData) DoNotSupercede() bool   { return d.get(func() bool { return d.doNotSupercede }) }
func (d *SessionData) SetDoNotSupercede(v bool) { d.set(&d.doNotSupercede, v) }
func (d *SessionData) UpgradeAsNeeded() bool  { return d.get(func() bool { return d.upgradeAsNeeded }) }
func (d *SessionData) SetUpgradeAsNeeded(v bool) { d.set(&d.upgradeAsNeeded, v) }

func (d *SessionData) HasRequestedDownload() bool {
	return d.get(func() bool { return d.hasRequestedDownload })
}
func (d *SessionData) SetHasRequestedDownload(v bool) { d.set(&d.hasRequestedDownload, v) }

func (d *SessionData) CouldNotDownload() bool     { return d.get(func() bool { return d.couldNotDownload }) }
func (d *SessionData) SetCouldNotDownload(v bool) { d.set(&d.couldNotDownload, v) }
func (d *SessionData) FailedInstall() bool        { return d.get(func() bool { return d.failedInstall }) }
func (d *SessionData) SetFailedInstall(v bool)    { d.set(&d.failedInstall, v) }

// Supercedent is the package standing in for this one in this session.
func (d *SessionData) Supercedent() *Package {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supercedent
}

// SetSupercedent records the stand-in package.
func (d *SessionData) SetSupercedent(p *Package) {
	d.mu.Lock()
	changed := d.supercedent != p
	d.supercedent = p
	d.mu.Unlock()
	if changed {
		d.pkg.reg.Changed()
	}
}

// DownloadProgress is the last reported download percentage.
func (d *SessionData) DownloadProgress() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloadProgress
}

// SetDownloadProgress records a download percentage.
func (d *SessionData) SetDownloadProgress(p int) {
	d.mu.Lock()
	d.downloadProgress = p
	d.mu.Unlock()
}

// DownloadProgressDelta returns the progress made since the previous call.
// It never returns a negative value; a smaller reading returns 0 and leaves
// the baseline where it was.
func (d *SessionData) DownloadProgressDelta() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delta := d.downloadProgress - d.lastProgress
	if delta < 0 {
		return 0
	}
	d.lastProgress = d.downloadProgress
	return delta
}

// IsPotentiallyInstallable reports whether the package could be installed in
// this session: it has not failed, and a file is present or downloadable.
func (d *SessionData) IsPotentiallyInstallable() bool {
	if d.FailedInstall() || d.CouldNotDownload() {
		return false
	}
	internal := d.pkg.Internal()
	return internal.HasLocalLocation() || internal.HasRemoteLocation()
}

// AllowedToSupercede reports whether another version may be substituted.
func (d *SessionData) AllowedToSupercede() bool {
	if d.UpgradeAsNeeded() {
		return true
	}
	return !d.IsClientSpecified() && !d.DoNotSupercede()
}

// IsSatisfied reports whether nothing more needs to happen for the package:
// it is installed, its file is at hand, or another package stands in for it.
func (d *SessionData) IsSatisfied() bool {
	return d.pkg.IsInstalled() || d.pkg.Internal().HasLocalLocation() || d.Supercedent() != nil
}

// LocalValidatedLocation returns a local file for the package whose
// signature verifies, emitting signature-validation events as files are
// checked. It returns "" when no such file exists.
func (d *SessionData) LocalValidatedLocation() string {
	return d.localValidatedLocation(d.table.emitter)
}

func (d *SessionData) localValidatedLocation(e Emitter) string {
	d.mu.Lock()
	cached := d.validatedLocation
	d.mu.Unlock()
	if cached != "" && isLocalFile(cached) {
		return cached
	}

	internal := d.pkg.Internal()
	location := internal.LocalLocation()
	if location == "" {
		d.storeValidated("")
		return ""
	}

	emit := e.Emit
	if publisher, ok := d.verify(location); ok {
		emit(protocol.SignatureValidation{Filename: location, Valid: true, SubjectName: publisher})
		d.storeValidated(location)
		return location
	}
	emit(protocol.SignatureValidation{Filename: location, Valid: false})

	for _, alt := range internal.LocalLocations() {
		if alt == location || !isLocalFile(alt) {
			continue
		}
		if publisher, ok := d.verify(alt); ok {
			emit(protocol.SignatureValidation{Filename: alt, Valid: true, SubjectName: publisher})
			d.storeValidated(alt)
			return alt
		}
	}
	d.storeValidated("")
	return ""
}

func (d *SessionData) verify(path string) (string, bool) {
	if d.table.verifier == nil {
		return "", false
	}
	publisher, err := d.table.verifier.Verify(path)
	return publisher, err == nil
}

func (d *SessionData) storeValidated(loc string) {
	d.mu.Lock()
	d.validatedLocation = loc
	d.mu.Unlock()
}

// RequestTable holds per-package state scoped to one dispatched request.
type RequestTable struct {
	mu   sync.Mutex
	data map[*Package]*RequestData
}

// NewRequestTable returns an empty table.
func NewRequestTable() *RequestTable {
	return &RequestTable{data: make(map[*Package]*RequestData)}
}

// For returns p's request data, creating it on first use.
func (t *RequestTable) For(p *Package) *RequestData {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.data[p]
	if !ok {
		d = &RequestData{}
		t.data[p] = d
	}
	return d
}

// RequestData is what one request knows about one package.
type RequestData struct {
	mu       sync.Mutex
	notified bool
}

// MarkNotified records that the client was told which package satisfies
// this one. It reports whether this call was the first.
func (d *RequestData) MarkNotified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := !d.notified
	d.notified = true
	return first
}

// NotifiedClientThisSupercedes reports whether MarkNotified has been called.
func (d *RequestData) NotifiedClientThisSupercedes() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notified
}
