package archive

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/pkgd/packages"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// ManifestName is the archive entry holding the package manifest.
const ManifestName = "package.yaml"

// ErrInvalidManifest is returned for manifests that cannot describe a
// package.
var ErrInvalidManifest = errors.New("archive: invalid manifest")

// Manifest is the package.yaml document carried by every package archive.
type Manifest struct {
	Name           string `yaml:"name" json:"name" jsonschema:"minLength=1,description=Package name"`
	Version        string `yaml:"version" json:"version" jsonschema:"pattern=^[0-9]+(\\.[0-9]+)*$,description=Version with up to four parts"`
	Architecture   string `yaml:"arch" json:"arch" jsonschema:"enum=any,enum=x86,enum=x64,enum=arm"`
	PublicKeyToken string `yaml:"public-key-token" json:"public-key-token" jsonschema:"pattern=^[0-9a-fA-F]+$,minLength=8,maxLength=16,description=Publisher key token"`

	ProductCode string `yaml:"product-code,omitempty" json:"product-code,omitempty" jsonschema:"format=uuid"`
	Vendor      string `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	DisplayName string `yaml:"display-name,omitempty" json:"display-name,omitempty"`

	Roles           []ManifestRole `yaml:"roles,omitempty" json:"roles,omitempty"`
	Dependencies    []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty" jsonschema:"description=Canonical names of required packages"`
	RemoteLocations []string       `yaml:"remote-locations,omitempty" json:"remote-locations,omitempty"`
	Feeds           []string       `yaml:"feeds,omitempty" json:"feeds,omitempty"`
	Policy          *PolicyRange   `yaml:"policy,omitempty" json:"policy,omitempty"`

	Details     ManifestDetails      `yaml:"details,omitempty" json:"details,omitempty"`
	Composition packages.Composition `yaml:"composition,omitempty" json:"composition,omitempty"`
}

// ManifestRole declares one role the package plays.
type ManifestRole struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind" jsonschema:"enum=Assembly,enum=DeveloperLibrary,enum=SourceCode,enum=Application,enum=Driver,enum=WebApplication,enum=Service"`
}

// PolicyRange is the range of versions the package may stand in for.
type PolicyRange struct {
	Minimum string `yaml:"minimum" json:"minimum"`
	Maximum string `yaml:"maximum" json:"maximum"`
}

// ManifestContributor credits a person.
type ManifestContributor struct {
	Name  string `yaml:"name" json:"name"`
	URL   string `yaml:"url,omitempty" json:"url,omitempty"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
}

// ManifestDetails are the descriptive fields of a package.
type ManifestDetails struct {
	Description   string                `yaml:"description,omitempty" json:"description,omitempty"`
	Summary       string                `yaml:"summary,omitempty" json:"summary,omitempty"`
	Copyright     string                `yaml:"copyright,omitempty" json:"copyright,omitempty"`
	AuthorVersion string                `yaml:"author-version,omitempty" json:"author-version,omitempty"`
	Icon          string                `yaml:"icon,omitempty" json:"icon,omitempty"`
	License       string                `yaml:"license,omitempty" json:"license,omitempty"`
	LicenseURL    string                `yaml:"license-url,omitempty" json:"license-url,omitempty" jsonschema:"format=uri"`
	PublishDate   time.Time             `yaml:"publish-date,omitempty" json:"publish-date,omitempty"`
	Publisher     ManifestContributor   `yaml:"publisher,omitempty" json:"publisher,omitempty"`
	Contributors  []ManifestContributor `yaml:"contributors,omitempty" json:"contributors,omitempty"`
	Tags          []string              `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := m.Identity(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Identity returns the package identity the manifest declares.
func (m *Manifest) Identity() (packages.Identity, error) {
	if strings.TrimSpace(m.Name) == "" {
		return packages.Identity{}, fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	v, err := packages.ParseVersion(m.Version)
	if err != nil || v == 0 {
		return packages.Identity{}, fmt.Errorf("%w: version %q", ErrInvalidManifest, m.Version)
	}
	arch, err := packages.ParseArchitecture(m.Architecture)
	if err != nil {
		return packages.Identity{}, fmt.Errorf("%w: arch %q", ErrInvalidManifest, m.Architecture)
	}
	id := packages.Identity{
		Name:           strings.ToLower(m.Name),
		Version:        v,
		Architecture:   arch,
		PublicKeyToken: strings.ToLower(m.PublicKeyToken),
	}
	if _, err := packages.ParseCanonicalName(id.CanonicalName()); err != nil {
		return packages.Identity{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return id, nil
}

// Metadata converts the manifest into the registry's metadata form.
func (m *Manifest) Metadata() (*packages.Metadata, error) {
	id, err := m.Identity()
	if err != nil {
		return nil, err
	}
	md := &packages.Metadata{
		Identity:        id,
		ProductCode:     m.ProductCode,
		Vendor:          m.Vendor,
		DisplayName:     m.DisplayName,
		Dependencies:    m.Dependencies,
		RemoteLocations: m.RemoteLocations,
		FeedLocations:   m.Feeds,
		Details: packages.Details{
			Description:   m.Details.Description,
			Summary:       m.Details.Summary,
			Copyright:     m.Details.Copyright,
			AuthorVersion: m.Details.AuthorVersion,
			Icon:          m.Details.Icon,
			License:       m.Details.License,
			LicenseURL:    m.Details.LicenseURL,
			PublishDate:   m.Details.PublishDate,
			Publisher:     packages.Contributor(m.Details.Publisher),
			Tags:          m.Details.Tags,
		},
	}
	for _, c := range m.Details.Contributors {
		md.Details.Contributors = append(md.Details.Contributors, packages.Contributor(c))
	}
	for _, r := range m.Roles {
		md.Roles = append(md.Roles, packages.Role{Name: r.Name, Kind: packages.RoleKind(r.Kind)})
	}
	if m.Policy != nil {
		if md.PolicyMinimum, err = packages.ParseVersion(m.Policy.Minimum); err != nil {
			return nil, fmt.Errorf("%w: policy minimum: %v", ErrInvalidManifest, err)
		}
		if md.PolicyMaximum, err = packages.ParseVersion(m.Policy.Maximum); err != nil {
			return nil, fmt.Errorf("%w: policy maximum: %v", ErrInvalidManifest, err)
		}
	}
	return md, nil
}

// ManifestSchema returns the JSON Schema of package.yaml.
func ManifestSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(Manifest))
	s.Title = "pkgd package manifest"
	return s
}
