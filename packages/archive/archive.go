// Package archive implements the package file format: a zstd-compressed tar
// stream whose package.yaml entry describes the package and whose files/
// entries form the payload installed into the package directory.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggoodman/pkgd/packages"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	// PayloadPrefix is the directory inside the archive holding the payload.
	PayloadPrefix = "files/"
	// InstalledManifest is the copy of the manifest kept in an installed
	// package directory.
	InstalledManifest = ".pkgd-manifest.yaml"

	maxManifestSize = 1 << 20
	manifestCache   = 256
)

var (
	// ErrNotPackage is returned for files that are not package archives.
	ErrNotPackage = errors.New("archive: not a package archive")
	// ErrNoLocalFile is returned by Install when the package has no local file.
	ErrNoLocalFile = errors.New("archive: package has no local file")
	// ErrUnsafePath is returned for archive entries escaping the payload root.
	ErrUnsafePath = errors.New("archive: entry escapes the package directory")
)

type cacheKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Handler reads, installs and removes package archives. It satisfies
// packages.FormatHandler.
type Handler struct {
	log   *slog.Logger
	cache *lru.Cache[cacheKey, *Manifest]
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHandler returns a Handler that caches parsed manifests by file path,
// size and modification time.
func NewHandler(opts ...Option) *Handler {
	cache, err := lru.New[cacheKey, *Manifest](manifestCache)
	if err != nil {
		panic(err)
	}
	h := &Handler{log: slog.Default(), cache: cache}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ packages.FormatHandler = (*Handler)(nil)

// Manifest returns the manifest of the archive at path.
func (h *Handler) Manifest(path string) (*Manifest, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotPackage, path)
	}
	key := cacheKey{path: path, size: fi.Size(), modTime: fi.ModTime()}
	if m, ok := h.cache.Get(key); ok {
		return m, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := readManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	h.cache.Add(key, m)
	return m, nil
}

func readManifest(r io.Reader) (*Manifest, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPackage, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no %s entry", ErrNotPackage, ManifestName)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotPackage, err)
		}
		if path.Clean(hdr.Name) != ManifestName {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotPackage, err)
		}
		if len(data) > maxManifestSize {
			return nil, fmt.Errorf("%w: manifest too large", ErrInvalidManifest)
		}
		return ParseManifest(data)
	}
}

// ReadMetadata describes the archive at path.
func (h *Handler) ReadMetadata(path string) (*packages.Metadata, error) {
	m, err := h.Manifest(path)
	if err != nil {
		return nil, err
	}
	return m.Metadata()
}

// Install extracts the payload of pkg's local file into its package
// directory and records the manifest there.
func (h *Handler) Install(ctx context.Context, pkg *packages.Package, progress func(int)) error {
	src := pkg.Internal().LocalLocation()
	if src == "" {
		return fmt.Errorf("%w: %s", ErrNoLocalFile, pkg.CanonicalName())
	}
	m, err := h.Manifest(src)
	if err != nil {
		return err
	}
	if id, _ := m.Identity(); id.CanonicalName() != pkg.CanonicalName() {
		return fmt.Errorf("%w: %s describes %s, not %s", ErrNotPackage, src, id.CanonicalName(), pkg.CanonicalName())
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	dest := pkg.PackageDirectory()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	counter := &progressReader{r: f, total: fi.Size(), report: progress}
	if err := extract(ctx, counter, dest); err != nil {
		return err
	}

	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dest, InstalledManifest), data, 0o644); err != nil {
		return err
	}
	if progress != nil {
		progress(100)
	}
	h.log.InfoContext(ctx, "archive.install.ok", slog.String("package", pkg.CanonicalName()), slog.String("dir", dest))
	return nil
}

func extract(ctx context.Context, r io.Reader, dest string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotPackage, err)
	}
	defer zr.Close()

	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return checkLinks(root)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotPackage, err)
		}

		name := path.Clean(hdr.Name)
		rel, ok := strings.CutPrefix(name, PayloadPrefix)
		if !ok || rel == "" {
			continue
		}
		target, err := safeJoin(root, rel)
		if err != nil {
			return err
		}
		// Links extracted earlier must not carry later entries outside root.
		if err := resolveParent(root, rel); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := replaceLink(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := replaceLink(target); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: %s links to %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(root, path.Join(path.Dir(rel), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := replaceLink(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func safeJoin(root, rel string) (string, error) {
	if path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

func inside(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveParent follows every existing directory of rel's parent and fails
// when a symlink among them resolves outside root.
func resolveParent(root, rel string) error {
	cur := root
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	for _, elem := range strings.Split(dir, "/") {
		next := filepath.Join(cur, elem)
		fi, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(next)
			if err != nil || !inside(root, resolved) {
				return fmt.Errorf("%w: %s", ErrUnsafePath, rel)
			}
			next = resolved
		}
		cur = next
	}
	return nil
}

// replaceLink removes an existing symlink at target so the entry replaces
// the link instead of writing through it.
func replaceLink(target string) error {
	fi, err := os.Lstat(target)
	if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(target)
}

// checkLinks fails when any extracted symlink dangles or resolves outside
// root.
func checkLinks(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil || !inside(root, resolved) {
			rel, _ := filepath.Rel(root, p)
			return fmt.Errorf("%w: %s", ErrUnsafePath, filepath.ToSlash(rel))
		}
		return nil
	})
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		// 100 is reported once the manifest is written.
		pct := min(int(p.read*100/p.total), 99)
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

// Remove deletes pkg's package directory and any vendor directory it
// leaves empty.
func (h *Handler) Remove(ctx context.Context, pkg *packages.Package, progress func(int)) error {
	dir := pkg.PackageDirectory()
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	// Fails harmlessly when other packages share the vendor directory.
	_ = os.Remove(filepath.Dir(dir))
	if progress != nil {
		progress(100)
	}
	h.log.InfoContext(ctx, "archive.remove.ok", slog.String("package", pkg.CanonicalName()))
	return nil
}

// IsInstalled reports whether pkg's package directory holds a manifest for
// the same package.
func (h *Handler) IsInstalled(pkg *packages.Package) (bool, error) {
	m, err := h.installedManifest(pkg)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	id, err := m.Identity()
	if err != nil {
		return false, err
	}
	return id.CanonicalName() == pkg.CanonicalName(), nil
}

func (h *Handler) installedManifest(pkg *packages.Package) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pkg.PackageDirectory(), InstalledManifest))
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// Composition returns pkg's composition data, preferring the installed copy
// of the manifest over the package file.
func (h *Handler) Composition(pkg *packages.Package) (*packages.Composition, error) {
	m, err := h.installedManifest(pkg)
	if err != nil {
		src := pkg.Internal().LocalLocation()
		if src == "" {
			return nil, err
		}
		if m, err = h.Manifest(src); err != nil {
			return nil, err
		}
	}
	c := m.Composition
	return &c, nil
}
