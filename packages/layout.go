package packages

import (
	"fmt"
	"os"
	"path/filepath"
)

// canonicalFolders are created under the root before any install.
var canonicalFolders = []string{
	".cache",
	"ReferenceAssemblies",
	filepath.Join("ReferenceAssemblies", "x86"),
	filepath.Join("ReferenceAssemblies", "x64"),
	filepath.Join("ReferenceAssemblies", "any"),
	"x86",
	"x64",
	"bin",
	"lib",
	"include",
	"etc",
	"programs",
}

// Layout describes where packages live on disk. The root doubles as the
// apps root that symlink and shortcut destinations must stay under.
type Layout struct {
	Root string
}

// CacheDir is where remote package files are downloaded to.
func (l Layout) CacheDir() string { return filepath.Join(l.Root, ".cache") }

// InstalledDir is the per-architecture directory holding package directories.
func (l Layout) InstalledDir(arch Architecture) string {
	switch arch {
	case ArchX86:
		return filepath.Join(l.Root, "program files (x86)")
	case ArchX64:
		return filepath.Join(l.Root, "program files (x64)")
	case ArchARM:
		return filepath.Join(l.Root, "program files (arm)")
	}
	return filepath.Join(l.Root, "program files")
}

// EnsureCanonicalFolders creates the shared directory skeleton.
func (l Layout) EnsureCanonicalFolders() error {
	if l.Root == "" {
		return fmt.Errorf("packages: layout root is not set")
	}
	for _, f := range canonicalFolders {
		if err := os.MkdirAll(filepath.Join(l.Root, f), 0o755); err != nil {
			return fmt.Errorf("packages: create %s: %w", f, err)
		}
	}
	return nil
}

func (l Layout) macros() map[string]string {
	return map[string]string{
		"apps":                l.Root,
		"cache":               filepath.Join(l.Root, ".cache"),
		"assemblies":          filepath.Join(l.Root, "ReferenceAssemblies"),
		"referenceassemblies": filepath.Join(l.Root, "ReferenceAssemblies"),
		"x86":                 filepath.Join(l.Root, "x86"),
		"x64":                 filepath.Join(l.Root, "x64"),
		"bin":                 filepath.Join(l.Root, "bin"),
		"lib":                 filepath.Join(l.Root, "lib"),
		"include":             filepath.Join(l.Root, "include"),
		"etc":                 filepath.Join(l.Root, "etc"),
		"allprograms":         filepath.Join(l.Root, "programs"),
	}
}
