// Package recognize decides what a client-supplied location refers to: a
// remote file the client must fetch, a directory feed, a package file, or
// nothing usable. It also tracks the remote fetches a session is waiting
// on.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ggoodman/pkgd/packages"
	"github.com/ggoodman/pkgd/protocol"
)

// ErrUnableToAcquire is returned to waiters when the client reports it
// could not fetch a remote file.
var ErrUnableToAcquire = errors.New("recognize: client could not acquire the file")

// Kind classifies a recognized location.
type Kind int

const (
	Invalid Kind = iota
	PackageFile
	Feed
)

func (k Kind) String() string {
	switch k {
	case PackageFile:
		return "package"
	case Feed:
		return "feed"
	}
	return "invalid"
}

// Result is what a location turned out to be.
type Result struct {
	Kind Kind
	// Path is the local file or directory.
	Path string
	// Pattern selects files in a feed directory.
	Pattern string
	// URL is the remote location the file was fetched from, if any.
	URL string
	// Reason explains an Invalid result.
	Reason string
	// Package is set for package files.
	Package *packages.Package
}

// Location is the feed location of a Feed result.
func (r Result) Location() string {
	if r.Kind == Feed && r.Pattern != "" && r.Pattern != "*" {
		return filepath.Join(r.Path, r.Pattern)
	}
	return r.Path
}

// Registry resolves package files. *packages.Registry satisfies it.
type Registry interface {
	ByFilename(path string) (*packages.Package, error)
}

// Recognizer classifies locations for one session and caches the answers.
type Recognizer struct {
	reg      Registry
	emitter  packages.Emitter
	cacheDir string

	mu      sync.Mutex
	cache   map[string]Result
	pending map[string]*Continuation
}

// New returns a Recognizer resolving package files through reg. Remote
// files are requested from the client through emitter, to be saved under
// cacheDir.
func New(reg Registry, emitter packages.Emitter, cacheDir string) *Recognizer {
	return &Recognizer{
		reg:      reg,
		emitter:  emitter,
		cacheDir: cacheDir,
		cache:    make(map[string]Result),
		pending:  make(map[string]*Continuation),
	}
}

// IsRemote reports whether item is a URL with a scheme other than file.
func IsRemote(item string) bool {
	u, err := url.Parse(item)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return false
	}
	// A drive letter parses as a one-letter scheme.
	return len(u.Scheme) > 1 && u.Host != ""
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName derives a file name from a URL.
func SafeName(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_.")
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	if name == "" {
		name = "download"
	}
	return name
}

// Recognize classifies item. A remote item is requested from the client
// with require-remote-file, and Recognize waits for Complete or Fail on
// the URL before classifying the fetched file.
func (r *Recognizer) Recognize(ctx context.Context, item string) (Result, error) {
	r.mu.Lock()
	cached, ok := r.cache[item]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	if IsRemote(item) {
		return r.recognizeRemote(ctx, item)
	}

	path := item
	if u, err := url.Parse(item); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	res := r.recognizeLocal(path)
	if res.Kind != Invalid {
		r.store(item, res)
	}
	return res, nil
}

func (r *Recognizer) store(item string, res Result) {
	r.mu.Lock()
	r.cache[item] = res
	r.mu.Unlock()
}

func (r *Recognizer) recognizeLocal(path string) Result {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{Path: path, Reason: err.Error()}
	}

	if base := filepath.Base(abs); strings.ContainsAny(base, "*?") {
		dir := filepath.Dir(abs)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return Result{Kind: Feed, Path: dir, Pattern: base}
		}
		return Result{Path: abs, Reason: "The directory does not exist."}
	}

	fi, err := os.Stat(abs)
	switch {
	case err != nil:
		return Result{Path: abs, Reason: "The file does not exist."}
	case fi.IsDir():
		return Result{Kind: Feed, Path: abs, Pattern: "*"}
	case !fi.Mode().IsRegular():
		return Result{Path: abs, Reason: "Not a regular file."}
	}

	p, err := r.reg.ByFilename(abs)
	if err != nil {
		return Result{Path: abs, Reason: "Not a recognized package file."}
	}
	return Result{Kind: PackageFile, Path: abs, Package: p}
}

func (r *Recognizer) recognizeRemote(ctx context.Context, item string) (Result, error) {
	c, created := r.expect(item)
	if created {
		r.emitter.Emit(protocol.RequireRemoteFile{
			CanonicalName:   item,
			Destination:     filepath.Join(r.cacheDir, SafeName(item)),
			RemoteLocations: []string{item},
		})
	}
	local, err := c.Wait(ctx)
	if errors.Is(err, ErrUnableToAcquire) {
		return Result{URL: item, Reason: "Unable to acquire the remote file."}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if IsRemote(local) {
		return Result{URL: item, Reason: "The client did not supply a local file."}, nil
	}
	res := r.recognizeLocal(local)
	res.URL = item
	if res.Kind != Invalid {
		r.store(item, res)
	}
	return res, nil
}

// Continuation is a pending remote fetch.
type Continuation struct {
	done  chan struct{}
	once  sync.Once
	local string
	err   error
}

func (c *Continuation) resolve(local string, err error) {
	c.once.Do(func() {
		c.local, c.err = local, err
		close(c.done)
	})
}

// Wait blocks until the fetch completes or ctx is done.
func (c *Continuation) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.local, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the fetch is resolved.
func (c *Continuation) Done() <-chan struct{} { return c.done }

func normalizeKey(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

func (r *Recognizer) expect(key string) (*Continuation, bool) {
	k := normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.pending[k]; ok {
		return c, false
	}
	c := &Continuation{done: make(chan struct{})}
	r.pending[k] = c
	return c, true
}

// Expect registers interest in the file known as key, usually a canonical
// name or URL. Callers sharing a key share the continuation.
func (r *Recognizer) Expect(key string) *Continuation {
	c, _ := r.expect(key)
	return c
}

func (r *Recognizer) take(key string) (*Continuation, bool) {
	k := normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[k]
	if ok {
		delete(r.pending, k)
	}
	return c, ok
}

// Complete resolves the continuation for key with a local file. It returns
// false when nothing was waiting for key.
func (r *Recognizer) Complete(key, local string) bool {
	c, ok := r.take(key)
	if ok {
		c.resolve(local, nil)
	}
	return ok
}

// Fail resolves the continuation for key with ErrUnableToAcquire.
func (r *Recognizer) Fail(key string) bool {
	c, ok := r.take(key)
	if ok {
		c.resolve("", fmt.Errorf("%w: %s", ErrUnableToAcquire, key))
	}
	return ok
}

// Close fails every pending continuation.
func (r *Recognizer) Close() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*Continuation)
	r.mu.Unlock()
	for k, c := range pending {
		c.resolve("", fmt.Errorf("%w: %s", ErrUnableToAcquire, k))
	}
}
