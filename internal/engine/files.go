package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ggoodman/pkgd/internal/recognize"
	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/policy"
	"github.com/ggoodman/pkgd/protocol"
)

func (e *Engine) handleRecognizeFile(ctx context.Context, c *call) error {
	local := c.env.Get("local-location")
	if local == "" {
		c.argError("local-location", "parameter 'local-location' is required to recognize a file")
		return nil
	}
	location, err := filepath.Abs(local)
	if err != nil {
		c.argError("local-location", "local-location '%s' is not a usable path", local)
		return nil
	}
	if fi, err := os.Stat(location); err != nil || !fi.Mode().IsRegular() && !fi.IsDir() {
		c.Emit(protocol.FileNotFound{Filename: location})
		return nil
	}

	// A file fetched on behalf of a waiting recognition resumes it.
	if canonical := c.env.Get("canonical-name"); canonical != "" && c.state.recog.Complete(canonical, location) {
		e.reg.Changed()
		return nil
	}

	res, err := c.state.recog.Recognize(ctx, location)
	if err != nil {
		return err
	}
	switch res.Kind {
	case recognize.PackageFile:
		p := res.Package
		c.table.For(p).SetDownloadProgress(100)
		if remote := c.env.Get("remote-location"); remote != "" {
			p.Internal().AddRemoteLocation(remote)
		}
		c.state.feeds.Feed().Add(p)
		c.Emit(packageInfo(ctx, p, c.table, nil))
		c.Emit(protocol.FileRecognized{Location: local})
		e.reg.Changed()
	case recognize.Feed:
		loc := res.Location()
		c.state.feeds.AddLocation(loc)
		c.Emit(protocol.FeedAdded{Location: loc})
		c.Emit(protocol.FileRecognized{Location: loc})
		e.reg.Changed()
	default:
		c.Emit(protocol.UnableToRecognizeFile{Filename: location, Reason: res.Reason})
	}
	return nil
}

func (e *Engine) handleUnableToAcquire(ctx context.Context, c *call) error {
	canonical := c.env.Get("canonical-name")
	if canonical == "" {
		c.argError("canonical-name", "canonical-name is required.")
		return nil
	}
	if id, err := packages.ParseCanonicalName(canonical); err == nil {
		if p, ok := e.reg.ByCanonicalName(id.CanonicalName()); ok {
			c.table.For(p).SetCouldNotDownload(true)
		}
	}
	c.state.recog.Fail(canonical)
	e.log.InfoContext(ctx, "engine.acquire.failed", slog.String("item", canonical))
	e.reg.Changed()
	return nil
}

func (e *Engine) handleVerifyFileSignature(ctx context.Context, c *call) error {
	filename := c.env.Get("filename")
	if filename == "" {
		c.argError("filename", "parameter 'filename' is required to verify a file")
		return nil
	}
	location, err := filepath.Abs(filename)
	if err != nil {
		c.argError("filename", "filename '%s' is not a usable path", filename)
		return nil
	}
	if fi, err := os.Stat(location); err != nil || !fi.Mode().IsRegular() {
		c.Emit(protocol.FileNotFound{Filename: location})
		return nil
	}
	if e.verifier == nil {
		c.Emit(protocol.SignatureValidation{Filename: location})
		return nil
	}
	publisher, err := e.verifier.Verify(location)
	if err != nil {
		e.log.DebugContext(ctx, "engine.verify.invalid", slog.String("file", location), slog.String("err", err.Error()))
		c.Emit(protocol.SignatureValidation{Filename: location})
		return nil
	}
	c.Emit(protocol.SignatureValidation{Filename: location, Valid: true, SubjectName: publisher})
	return nil
}

// Link types accepted by symlink.
const (
	linkSymlink  = "symlink"
	linkFile     = "file"
	linkFolder   = "folder"
	linkHardlink = "hardlink"
	linkShortcut = "shortcut"
)

var linkTypes = []string{linkSymlink, linkFile, linkFolder, linkHardlink, linkShortcut}

var errLinkExists = errors.New("a file already exists at the link location")

func (e *Engine) handleSymlink(ctx context.Context, c *call) error {
	if !e.allowed(ctx, c, policy.Symlink) {
		return nil
	}
	existing, link := c.env.Get("existing-location"), c.env.Get("new-link")
	if existing == "" {
		c.argError("existing-location", "parameter 'existing-location' is required")
		return nil
	}
	if link == "" {
		c.argError("new-link", "parameter 'new-link' is required")
		return nil
	}
	if !filepath.IsAbs(existing) {
		c.argError("existing-location", "'%s' is not an absolute path", existing)
		return nil
	}
	if !filepath.IsAbs(link) {
		c.argError("new-link", "'%s' is not an absolute path", link)
		return nil
	}
	kind := strings.ToLower(c.env.Get("link-type"))
	if kind == "" {
		kind = linkSymlink
	}
	if !slices.Contains(linkTypes, kind) {
		c.argError("link-type", "unknown link-type '%s'", kind)
		return nil
	}
	if err := makeLink(kind, existing, link); err != nil {
		e.log.InfoContext(ctx, "engine.symlink.err", slog.String("link", link), slog.String("err", err.Error()))
		c.argError("new-link", "%v", err)
		return nil
	}
	e.log.InfoContext(ctx, "engine.symlink.ok", slog.String("link", link), slog.String("target", existing), slog.String("type", kind))
	return nil
}

// makeLink expects absolute paths and a kind from linkTypes.
func makeLink(kind, existing, link string) error {
	target := filepath.Clean(existing)
	fi, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("existing location '%s' does not exist", existing)
	}
	if _, err := os.Lstat(link); err == nil {
		return fmt.Errorf("%w: %s", errLinkExists, link)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}

	switch kind {
	case linkSymlink:
		return os.Symlink(target, link)
	case linkFile:
		if fi.IsDir() {
			return fmt.Errorf("existing location '%s' is a folder", existing)
		}
		return os.Symlink(target, link)
	case linkFolder:
		if !fi.IsDir() {
			return fmt.Errorf("existing location '%s' is not a folder", existing)
		}
		return os.Symlink(target, link)
	case linkHardlink:
		if fi.IsDir() {
			return fmt.Errorf("existing location '%s' is a folder", existing)
		}
		return os.Link(target, link)
	case linkShortcut:
		return packages.WriteShortcut(link, filepath.Base(target), target)
	}
	return fmt.Errorf("unknown link-type '%s'", kind)
}
