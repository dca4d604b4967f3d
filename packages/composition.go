package packages

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Action is the kind of a composition rule.
type Action string

const (
	ActionFileCopy            Action = "FileCopy"
	ActionFileRewrite         Action = "FileRewrite"
	ActionSymlinkFolder       Action = "SymlinkFolder"
	ActionSymlinkFile         Action = "SymlinkFile"
	ActionShortcut            Action = "Shortcut"
	ActionEnvironmentVariable Action = "EnvironmentVariable"
	ActionRegistry            Action = "Registry"
)

// actionOrder is the order in which rule groups are applied.
var actionOrder = []Action{
	ActionFileCopy,
	ActionFileRewrite,
	ActionSymlinkFolder,
	ActionSymlinkFile,
	ActionShortcut,
	ActionEnvironmentVariable,
	ActionRegistry,
}

// Rule is one composition rule. For EnvironmentVariable and Registry rules
// the destination is the key and the source is the value.
type Rule struct {
	Action      Action `yaml:"action" json:"action"`
	Destination string `yaml:"destination" json:"destination"`
	Source      string `yaml:"source" json:"source"`
	Category    string `yaml:"category,omitempty" json:"category,omitempty"`
}

func (r Rule) Key() string   { return r.Destination }
func (r Rule) Value() string { return r.Source }

// DeveloperLibrary names the files a DeveloperLibrary role exposes.
type DeveloperLibrary struct {
	Name                   string   `yaml:"name" json:"name"`
	ReferenceAssemblyFiles []string `yaml:"reference-assemblies,omitempty" json:"reference-assemblies,omitempty"`
	LibraryFiles           []string `yaml:"libraries,omitempty" json:"libraries,omitempty"`
	HeaderFolders          []string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Composition is the composition data a package declares.
type Composition struct {
	Rules              []Rule             `yaml:"rules,omitempty" json:"rules,omitempty"`
	DeveloperLibraries []DeveloperLibrary `yaml:"developer-libraries,omitempty" json:"developer-libraries,omitempty"`
}

// disallowedEnvironment lists variables a package may never set.
var disallowedEnvironment = map[string]bool{
	"path": true, "pathext": true, "psmodulepath": true, "comspec": true,
	"temp": true, "tmp": true, "username": true, "windir": true,
	"allusersprofile": true, "appdata": true, "commonprogramfiles": true,
	"commonprogramfiles(x86)": true, "commonprogramw6432": true,
	"computername": true, "current_cpu": true, "frameworkversion": true,
	"homedrive": true, "homepath": true, "logonserver": true,
	"number_of_processors": true, "os": true, "processor_architecture": true,
	"processor_identifier": true, "processor_level": true,
	"processor_revision": true, "programdata": true, "programfiles": true,
	"programfiles(x86)": true, "programw6432": true, "prompt": true,
	"public": true, "systemdrive": true, "systemroot": true,
	"userdomain": true, "userprofile": true,
	"home": true, "shell": true, "user": true, "logname": true, "pwd": true,
	"ld_preload": true, "ld_library_path": true,
}

var (
	macroPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

	// ErrContainment is returned for rules whose paths escape their root.
	ErrContainment = errors.New("packages: composition path escapes its root")
	// ErrDisallowedVariable is returned for protected environment variables.
	ErrDisallowedVariable = errors.New("packages: environment variable may not be set by a package")
)

const maxMacroPasses = 8

// ResolveVariables expands ${macro} references in text. Macro names are
// case-insensitive; unknown macros are left intact.
func (p *Package) ResolveVariables(text string) string {
	if text == "" {
		return ""
	}
	macros := p.macros()
	for range maxMacroPasses {
		next := macroPattern.ReplaceAllStringFunc(text, func(m string) string {
			if v, ok := macros[strings.ToLower(m[2:len(m)-1])]; ok {
				return v
			}
			return m
		})
		if next == text {
			break
		}
		text = next
	}
	return text
}

func (p *Package) macros() map[string]string {
	m := p.reg.layout.macros()
	pkgDir := p.PackageDirectory()
	for _, k := range []string{"packagedir", "packagedirectory", "packagefolder"} {
		m[k] = pkgDir
	}
	for _, k := range []string{"publishedpackagedir", "publishedpackagedirectory", "publishedpackagefolder"} {
		m[k] = "${apps}/${productname}"
	}
	m["targetdirectory"] = p.TargetDirectory()
	m["productname"] = p.Name()
	m["packagename"] = p.Name()
	m["version"] = p.Version().String()
	m["arch"] = p.Architecture().String()
	m["architecture"] = p.Architecture().String()
	m["canonicalname"] = p.CanonicalName()
	m["cosmeticname"] = p.CosmeticName()
	return m
}

// ImplicitRules derives composition rules from the package's roles.
func (p *Package) ImplicitRules() []Rule {
	var rules []Rule
	comp := p.Internal().Composition()
	for _, role := range p.Internal().Roles() {
		switch role.Kind {
		case RoleApplication:
			rules = append(rules, Rule{
				Action:      ActionSymlinkFolder,
				Destination: "${publishedpackagedir}",
				Source:      "${packagedir}",
			})
		case RoleDeveloperLibrary:
			for _, lib := range comp.DeveloperLibraries {
				if lib.Name != role.Name {
					continue
				}
				for _, f := range lib.ReferenceAssemblyFiles {
					base := filepath.Base(f)
					rules = append(rules,
						Rule{Action: ActionSymlinkFile, Destination: "${referenceassemblies}/${arch}/" + base, Source: "${packagedir}/" + f},
						Rule{Action: ActionSymlinkFile, Destination: "${referenceassemblies}/${arch}/${productname}-${version}/" + base, Source: "${packagedir}/" + f},
					)
				}
				for _, f := range lib.LibraryFiles {
					base := filepath.Base(f)
					ext := filepath.Ext(base)
					stem := strings.TrimSuffix(base, ext)
					rules = append(rules,
						Rule{Action: ActionSymlinkFile, Destination: "${lib}/${arch}/" + base, Source: "${packagedir}/" + f},
						Rule{Action: ActionSymlinkFile, Destination: "${lib}/${arch}/" + stem + "-${version}" + ext, Source: "${packagedir}/" + f},
					)
				}
				for _, dir := range lib.HeaderFolders {
					rules = append(rules,
						Rule{Action: ActionSymlinkFolder, Destination: "${include}/" + lib.Name, Source: "${packagedir}/" + dir},
						Rule{Action: ActionSymlinkFolder, Destination: "${include}/" + lib.Name + "-${version}", Source: "${packagedir}/" + dir},
					)
				}
			}
		}
	}
	return rules
}

// rules returns the implicit rules followed by the declared ones, without
// duplicates.
func (p *Package) rules() []Rule {
	out := p.ImplicitRules()
	for _, r := range p.Internal().Composition().Rules {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// resolvePath expands text and makes it absolute under parent. It fails
// unless the result is inside parent; allowRoot admits parent itself.
func (p *Package) resolvePath(parent, text string, allowRoot bool) (string, error) {
	resolved := filepath.FromSlash(strings.ReplaceAll(p.ResolveVariables(text), `\`, "/"))
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(parent, resolved)
	}
	resolved = filepath.Clean(resolved)
	if !within(parent, resolved, allowRoot) {
		return "", fmt.Errorf("%w: %q resolves to %q outside %q", ErrContainment, text, resolved, parent)
	}
	return resolved, nil
}

func within(parent, path string, allowRoot bool) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), path)
	if err != nil {
		return false
	}
	if rel == "." {
		return allowRoot
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Compose applies the package's composition rules. With makeCurrent set,
// existing links and shortcuts are replaced; otherwise only missing ones are
// created. A failing rule is logged and skipped; the failures are returned.
func (p *Package) Compose(ctx context.Context, makeCurrent bool) []error {
	ctx = context.WithoutCancel(ctx)
	log := p.reg.log.With(slog.String("package", p.CanonicalName()))
	pkgDir := p.PackageDirectory()
	apps := p.reg.layout.Root

	rules := p.rules()
	var errs []error
	for _, action := range actionOrder {
		for _, rule := range rules {
			if rule.Action != action {
				continue
			}
			if err := p.applyRule(ctx, rule, pkgDir, apps, makeCurrent); err != nil {
				log.ErrorContext(ctx, "package.compose.rule.err",
					slog.String("action", string(rule.Action)),
					slog.String("destination", rule.Destination),
					slog.String("source", rule.Source),
					slog.String("err", err.Error()))
				errs = append(errs, err)
			}
		}
	}
	log.InfoContext(ctx, "package.compose.ok", slog.Bool("current", makeCurrent), slog.Int("rules", len(rules)), slog.Int("failed", len(errs)))
	return errs
}

func (p *Package) applyRule(ctx context.Context, rule Rule, pkgDir, apps string, makeCurrent bool) error {
	switch rule.Action {
	case ActionFileCopy, ActionFileRewrite:
		src, err := p.resolvePath(pkgDir, rule.Source, false)
		if err != nil {
			return err
		}
		dst, err := p.resolvePath(pkgDir, rule.Destination, false)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if rule.Action == ActionFileRewrite {
			data = []byte(p.ResolveVariables(string(data)))
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)

	case ActionSymlinkFolder, ActionSymlinkFile:
		link, err := p.resolvePath(apps, rule.Destination, false)
		if err != nil {
			return err
		}
		target, err := p.resolvePath(pkgDir, rule.Source, true)
		if err != nil {
			return err
		}
		fi, err := os.Stat(target)
		if err != nil {
			return err
		}
		if wantDir := rule.Action == ActionSymlinkFolder; fi.IsDir() != wantDir {
			return fmt.Errorf("packages: %s source %q has the wrong type", rule.Action, target)
		}
		return replaceLink(link, makeCurrent, func() error { return os.Symlink(target, link) })

	case ActionShortcut:
		link, err := p.resolvePath(apps, rule.Destination, false)
		if err != nil {
			return err
		}
		target, err := p.resolvePath(pkgDir, rule.Source, false)
		if err != nil {
			return err
		}
		if !isLocalFile(target) {
			return fmt.Errorf("packages: shortcut target %q does not exist", target)
		}
		if _, err := os.Lstat(link); err == nil && !makeCurrent {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return err
		}
		return WriteShortcut(link, p.DisplayNameOrName(), target)

	case ActionEnvironmentVariable:
		name := p.ResolveVariables(rule.Key())
		if name == "" || disallowedEnvironment[strings.ToLower(name)] {
			return fmt.Errorf("%w: %q", ErrDisallowedVariable, name)
		}
		return p.reg.env.SetString(ctx, name, p.ResolveVariables(rule.Value()))

	case ActionRegistry:
		segs := strings.FieldsFunc(p.ResolveVariables(rule.Key()), func(r rune) bool { return r == '/' || r == '\\' })
		if len(segs) == 0 {
			return fmt.Errorf("packages: registry rule has no key")
		}
		return p.reg.regKeys.Sub(segs[:len(segs)-1]...).SetString(ctx, segs[len(segs)-1], p.ResolveVariables(rule.Value()))
	}
	return fmt.Errorf("packages: unknown composition action %q", rule.Action)
}

// replaceLink creates a link with create. An existing symlink is replaced
// only when force is set; anything else at that location is left alone.
func replaceLink(link string, force bool, create func() error) error {
	fi, err := os.Lstat(link)
	switch {
	case err == nil && fi.Mode()&os.ModeSymlink == 0:
		return fmt.Errorf("packages: %q exists and is not a link", link)
	case err == nil && !force:
		return nil
	case err == nil:
		if err := os.Remove(link); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return create()
}

// DisplayNameOrName returns the display name, falling back to the name.
func (p *Package) DisplayNameOrName() string {
	if n := p.DisplayName(); n != "" {
		return n
	}
	return p.Name()
}

// UndoComposition removes the shortcuts and links this package created.
// Links that now point elsewhere belong to another version and are kept.
func (p *Package) UndoComposition(ctx context.Context) {
	log := p.reg.log.With(slog.String("package", p.CanonicalName()))
	pkgDir := p.PackageDirectory()
	apps := p.reg.layout.Root

	for _, rule := range p.rules() {
		var remove bool
		link, err := p.resolvePath(apps, rule.Destination, false)
		if err != nil {
			continue
		}
		switch rule.Action {
		case ActionShortcut:
			target, err := p.resolvePath(pkgDir, rule.Source, false)
			if err != nil {
				continue
			}
			got, err := ShortcutTarget(link)
			remove = err == nil && got == target
		case ActionSymlinkFile, ActionSymlinkFolder:
			target, err := p.resolvePath(pkgDir, rule.Source, true)
			if err != nil {
				continue
			}
			got, err := os.Readlink(link)
			remove = err == nil && filepath.Clean(got) == target
		}
		if !remove {
			continue
		}
		if err := os.Remove(link); err != nil {
			log.WarnContext(ctx, "package.uncompose.err", slog.String("link", link), slog.String("err", err.Error()))
			continue
		}
		log.DebugContext(ctx, "package.uncompose.ok", slog.String("link", link))
	}
}

// WriteShortcut writes a desktop-entry style shortcut at path pointing at
// target.
func WriteShortcut(path, name, target string) error {
	content := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\nExec=%s\n", name, target)
	return os.WriteFile(path, []byte(content), 0o644)
}

// ShortcutTarget returns the target of a shortcut written by WriteShortcut.
func ShortcutTarget(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "Exec="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("packages: %q is not a shortcut", path)
}
