package protocol

import (
	"sort"
	"time"
)

// Event is anything the engine can push to a client. Each event renders to
// exactly one envelope.
type Event interface {
	Envelope() *Envelope
}

type stamped struct {
	ev   Event
	rqid string
}

func (s stamped) Envelope() *Envelope { return s.ev.Envelope().WithRequestID(s.rqid) }

// WithRequestID returns ev with the correlation id attached to its envelope.
func WithRequestID(ev Event, rqid string) Event {
	if rqid == "" {
		return ev
	}
	return stamped{ev: ev, rqid: rqid}
}

// Raw adapts a prebuilt envelope to Event.
type Raw struct{ Env *Envelope }

func (r Raw) Envelope() *Envelope { return r.Env }

type SessionStarted struct{ SessionID string }

func (e SessionStarted) Envelope() *Envelope {
	return New(EvtSessionStarted).Set("session-id", e.SessionID)
}

type TaskComplete struct{ RequestID string }

func (e TaskComplete) Envelope() *Envelope {
	return New(EvtTaskComplete).WithRequestID(e.RequestID)
}

type UnexpectedFailure struct {
	Type       string
	Message    string
	StackTrace string
}

func (e UnexpectedFailure) Envelope() *Envelope {
	return New(EvtUnexpectedFailure).
		Set("type", e.Type).
		Set("message", e.Message).
		Set("stacktrace", e.StackTrace)
}

type PolicyInfo struct {
	Name        string
	Description string
	Accounts    []string
}

func (e PolicyInfo) Envelope() *Envelope {
	return New(EvtPolicy).
		Set("name", e.Name).
		Set("description", e.Description).
		SetCollection("accounts", e.Accounts)
}

type EngineStatus struct {
	Ready           bool
	Starting        bool
	ShuttingDown    bool
	PercentComplete int
}

func (e EngineStatus) Envelope() *Envelope {
	return New(EvtEngineStatus).
		SetBool("is-ready", e.Ready).
		SetBool("is-starting", e.Starting).
		SetBool("is-shutting-down", e.ShuttingDown).
		SetInt("percent-complete", e.PercentComplete)
}

type LoggingSettings struct {
	Messages bool
	Warnings bool
	Errors   bool
}

func (e LoggingSettings) Envelope() *Envelope {
	return New(EvtLoggingSettings).
		SetBool("is-logging-errors", e.Errors).
		SetBool("is-logging-warnings", e.Warnings).
		SetBool("is-logging-messages", e.Messages)
}

type UnknownCommand struct {
	Command   string
	RequestID string
}

func (e UnknownCommand) Envelope() *Envelope {
	return New(EvtUnknownCommand).Set("command", e.Command).WithRequestID(e.RequestID)
}

type NoPackagesFound struct{}

func (NoPackagesFound) Envelope() *Envelope { return New(EvtNoPackagesFound) }

// FoundPackage describes one package in a query result.
type FoundPackage struct {
	CanonicalName       string
	LocalLocation       string
	Name                string
	Version             string
	Arch                string
	PublicKeyToken      string
	ProductCode         string
	Installed           bool
	Blocked             bool
	Required            bool
	ClientRequired      bool
	Active              bool
	Dependent           bool
	RemoteLocations     []string
	Dependencies        []string
	SupercedentPackages []string
}

func (e FoundPackage) Envelope() *Envelope {
	return New(EvtFoundPackage).
		Set("canonical-name", e.CanonicalName).
		Set("local-location", e.LocalLocation).
		Set("name", e.Name).
		Set("version", e.Version).
		Set("arch", e.Arch).
		Set("public-key-token", e.PublicKeyToken).
		Set("product-code", e.ProductCode).
		SetBool("installed", e.Installed).
		SetBool("blocked", e.Blocked).
		SetBool("required", e.Required).
		SetBool("client-required", e.ClientRequired).
		SetBool("active", e.Active).
		SetBool("dependent", e.Dependent).
		SetCollection("remote-locations", e.RemoteLocations).
		SetCollection("dependencies", e.Dependencies).
		SetCollection("supercedent-packages", e.SupercedentPackages)
}

type Contributor struct {
	Name  string
	URL   string
	Email string
}

type PackageDetails struct {
	CanonicalName  string
	Description    string
	Summary        string
	DisplayName    string
	Copyright      string
	AuthorVersion  string
	Icon           string
	License        string
	LicenseURL     string
	PublishDate    time.Time
	PublisherName  string
	PublisherURL   string
	PublisherEmail string
	Roles          map[string]string
	Tags           []string
	Contributors   []Contributor
}

func (e PackageDetails) Envelope() *Envelope {
	env := New(EvtPackageDetails).
		Set("canonical-name", e.CanonicalName).
		Set("description", e.Description).
		Set("summary", e.Summary).
		Set("display-name", e.DisplayName).
		Set("copyright", e.Copyright).
		Set("author-version", e.AuthorVersion).
		Set("icon", e.Icon).
		Set("license", e.License).
		Set("license-url", e.LicenseURL).
		Set("publisher-name", e.PublisherName).
		Set("publisher-url", e.PublisherURL).
		Set("publisher-email", e.PublisherEmail).
		SetCollection("tags", e.Tags)
	if !e.PublishDate.IsZero() {
		env.Set("publish-date", e.PublishDate.UTC().Format(time.RFC3339))
	}
	roleNames := make([]string, 0, len(e.Roles))
	for name := range e.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)
	for _, name := range roleNames {
		env.Set("role-"+name, e.Roles[name])
	}
	if len(e.Contributors) > 0 {
		names := make([]string, 0, len(e.Contributors))
		urls := make([]string, 0, len(e.Contributors))
		emails := make([]string, 0, len(e.Contributors))
		for _, c := range e.Contributors {
			names = append(names, c.Name)
			urls = append(urls, c.URL)
			emails = append(emails, c.Email)
		}
		env.SetCollection("contributor-name", names).
			SetCollection("contributor-url", urls).
			SetCollection("contributor-email", emails)
	}
	return env
}

type FoundFeed struct {
	Location    string
	LastScanned time.Time
	Session     bool
	Suppressed  bool
	Validated   bool
}

func (e FoundFeed) Envelope() *Envelope {
	env := New(EvtFoundFeed).
		Set("location", e.Location).
		SetBool("session", e.Session).
		SetBool("suppressed", e.Suppressed).
		SetBool("validated", e.Validated)
	if !e.LastScanned.IsZero() {
		env.Set("last-scanned", e.LastScanned.UTC().Format(time.RFC3339))
	}
	return env
}

type NoFeedsFound struct{}

func (NoFeedsFound) Envelope() *Envelope { return New(EvtNoFeedsFound) }

type InstallingPackage struct {
	CanonicalName          string
	PercentComplete        int
	OverallPercentComplete int
}

func (e InstallingPackage) Envelope() *Envelope {
	return New(EvtInstallingPackage).
		Set("canonical-name", e.CanonicalName).
		SetInt("percent-complete", e.PercentComplete).
		SetInt("overall-percent-complete", e.OverallPercentComplete)
}

type RemovingPackage struct {
	CanonicalName   string
	PercentComplete int
}

func (e RemovingPackage) Envelope() *Envelope {
	return New(EvtRemovingPackage).
		Set("canonical-name", e.CanonicalName).
		SetInt("percent-complete", e.PercentComplete)
}

type InstalledPackage struct{ CanonicalName string }

func (e InstalledPackage) Envelope() *Envelope {
	return New(EvtInstalledPackage).Set("canonical-name", e.CanonicalName)
}

type RemovedPackage struct{ CanonicalName string }

func (e RemovedPackage) Envelope() *Envelope {
	return New(EvtRemovedPackage).Set("canonical-name", e.CanonicalName)
}

type FailedPackageInstall struct {
	CanonicalName string
	Filename      string
	Reason        string
}

func (e FailedPackageInstall) Envelope() *Envelope {
	return New(EvtFailedPackageInstall).
		Set("canonical-name", e.CanonicalName).
		Set("filename", e.Filename).
		Set("reason", e.Reason)
}

type FailedPackageRemove struct {
	CanonicalName string
	Reason        string
}

func (e FailedPackageRemove) Envelope() *Envelope {
	return New(EvtFailedPackageRemove).
		Set("canonical-name", e.CanonicalName).
		Set("reason", e.Reason)
}

// RequireRemoteFile asks the client to fetch a file and answer with
// recognize-file or unable-to-acquire.
type RequireRemoteFile struct {
	CanonicalName   string
	Destination     string
	Force           bool
	RemoteLocations []string
}

func (e RequireRemoteFile) Envelope() *Envelope {
	return New(EvtRequireRemoteFile).
		Set("canonical-name", e.CanonicalName).
		Set("destination", e.Destination).
		SetBool("force", e.Force).
		SetCollection("remote-locations", e.RemoteLocations)
}

type SignatureValidation struct {
	Filename    string
	Valid       bool
	SubjectName string
}

func (e SignatureValidation) Envelope() *Envelope {
	return New(EvtSignatureValidation).
		Set("filename", e.Filename).
		SetBool("is-valid", e.Valid).
		Set("certificate-subject-name", e.SubjectName)
}

type PermissionRequired struct {
	CurrentUserName string
	Policy          string
}

func (e PermissionRequired) Envelope() *Envelope {
	return New(EvtPermissionRequired).
		Set("current-user-name", e.CurrentUserName).
		Set("policy-required", e.Policy)
}

// ArgumentError reports a missing or malformed parameter of a command.
type ArgumentError struct {
	Message   string
	Parameter string
	Reason    string
}

func (e ArgumentError) Envelope() *Envelope {
	return New(EvtArgumentError).
		Set("message", e.Message).
		Set("parameter", e.Parameter).
		Set("reason", e.Reason)
}

type Warning struct {
	Message   string
	Parameter string
	Reason    string
}

func (e Warning) Envelope() *Envelope {
	return New(EvtWarning).
		Set("message", e.Message).
		Set("parameter", e.Parameter).
		Set("reason", e.Reason)
}

type PackageSatisfiedBy struct {
	CanonicalName string
	SatisfiedBy   string
}

func (e PackageSatisfiedBy) Envelope() *Envelope {
	return New(EvtPackageSatisfiedBy).
		Set("canonical-name", e.CanonicalName).
		Set("satisfied-by", e.SatisfiedBy)
}

type FeedAdded struct{ Location string }

func (e FeedAdded) Envelope() *Envelope { return New(EvtFeedAdded).Set("location", e.Location) }

type FeedRemoved struct{ Location string }

func (e FeedRemoved) Envelope() *Envelope { return New(EvtFeedRemoved).Set("location", e.Location) }

type FeedSuppressed struct{ Location string }

func (e FeedSuppressed) Envelope() *Envelope {
	return New(EvtFeedSuppressed).Set("location", e.Location)
}

type FileNotFound struct{ Filename string }

func (e FileNotFound) Envelope() *Envelope { return New(EvtFileNotFound).Set("filename", e.Filename) }

type FileRecognized struct{ Location string }

func (e FileRecognized) Envelope() *Envelope {
	return New(EvtFileRecognized).Set("location", e.Location)
}

type UnknownPackage struct{ CanonicalName string }

func (e UnknownPackage) Envelope() *Envelope {
	return New(EvtUnknownPackage).Set("canonical-name", e.CanonicalName)
}

type PackageBlocked struct{ CanonicalName string }

func (e PackageBlocked) Envelope() *Envelope {
	return New(EvtPackageBlocked).Set("canonical-name", e.CanonicalName)
}

type UnableToRecognizeFile struct {
	Filename string
	Reason   string
}

func (e UnableToRecognizeFile) Envelope() *Envelope {
	return New(EvtUnableToRecognizeFile).Set("filename", e.Filename).Set("reason", e.Reason)
}

type KeepAlive struct{}

func (KeepAlive) Envelope() *Envelope { return New(EvtKeepAlive) }

type OperationCancelled struct{ Message string }

func (e OperationCancelled) Envelope() *Envelope {
	return New(EvtOperationCancelled).Set("message", e.Message)
}

type PackageHasPotentialUpgrades struct {
	CanonicalName string
	Supercedents  []string
}

func (e PackageHasPotentialUpgrades) Envelope() *Envelope {
	return New(EvtPackageHasPotentialUpgrades).
		Set("canonical-name", e.CanonicalName).
		SetCollection("supercedent-packages", e.Supercedents)
}
