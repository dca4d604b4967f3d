// Package signature signs and verifies package files with detached
// signatures. A signature covers the BLAKE3-256 digest of the file and is
// stored next to it in <file>.sig as a small YAML document.
package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Extension is appended to a file name to locate its signature.
const Extension = ".sig"

var (
	// ErrUnsigned is returned for files without a signature file.
	ErrUnsigned = errors.New("signature: file is not signed")
	// ErrUntrusted is returned when the signing key is not trusted.
	ErrUntrusted = errors.New("signature: signing key is not trusted")
	// ErrInvalid is returned when the signature does not match the file.
	ErrInvalid = errors.New("signature: signature does not match")
)

// File is the content of a .sig file.
type File struct {
	Publisher string `yaml:"publisher"`
	PublicKey string `yaml:"public-key"`
	Signature string `yaml:"signature"`
}

// Digest returns the BLAKE3-256 digest of r.
func Digest(r io.Reader) ([32]byte, error) {
	var out [32]byte
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

func digestFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()
	return Digest(f)
}

// Token returns the public key token of pub: the first 8 bytes of its
// BLAKE3 digest, hex encoded.
func Token(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Sign writes path+".sig" signing path's digest with priv on behalf of
// publisher.
func Sign(path, publisher string, priv ed25519.PrivateKey) error {
	sum, err := digestFile(path)
	if err != nil {
		return err
	}
	sf := File{
		Publisher: publisher,
		PublicKey: base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, sum[:])),
	}
	data, err := yaml.Marshal(&sf)
	if err != nil {
		return err
	}
	return os.WriteFile(path+Extension, data, 0o644)
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("signature: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signature: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verifier checks signatures against a set of trusted keys. It satisfies
// packages.Verifier.
type Verifier struct {
	log           *slog.Logger
	allowUnsigned bool

	mu      sync.RWMutex
	trusted map[string]ed25519.PublicKey
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// WithTrustedKeys adds keys to the trusted set.
func WithTrustedKeys(keys ...ed25519.PublicKey) Option {
	return func(v *Verifier) {
		for _, k := range keys {
			v.trusted[Token(k)] = k
		}
	}
}

// WithUnsignedAllowed makes Verify accept files that carry no signature
// at all. Files with a bad or untrusted signature are still rejected.
func WithUnsignedAllowed() Option {
	return func(v *Verifier) { v.allowUnsigned = true }
}

// NewVerifier returns a Verifier trusting the keys given by opts.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{log: slog.Default(), trusted: make(map[string]ed25519.PublicKey)}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Trust adds pub to the trusted set and returns its token.
func (v *Verifier) Trust(pub ed25519.PublicKey) string {
	tok := Token(pub)
	v.mu.Lock()
	v.trusted[tok] = pub
	v.mu.Unlock()
	return tok
}

// LoadDir trusts every *.pub file in dir. Each file holds one base64 key.
// A missing directory trusts nothing.
func (v *Verifier) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pub"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return n, err
		}
		pub, err := ParsePublicKey(string(data))
		if err != nil {
			return n, fmt.Errorf("%s: %w", m, err)
		}
		v.Trust(pub)
		n++
	}
	return n, nil
}

// IsTrusted reports whether token names a trusted key.
func (v *Verifier) IsTrusted(token string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.trusted[strings.ToLower(token)]
	return ok
}

// Verify returns the publisher named by path's signature when the
// signature is valid and made with a trusted key.
func (v *Verifier) Verify(path string) (string, error) {
	data, err := os.ReadFile(path + Extension)
	if errors.Is(err, os.ErrNotExist) {
		if v.allowUnsigned && isRegular(path) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsigned, path)
	}
	if err != nil {
		return "", err
	}
	var sf File
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	pub, err := ParsePublicKey(sf.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !v.IsTrusted(Token(pub)) {
		return "", fmt.Errorf("%w: %s", ErrUntrusted, Token(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sf.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sum, err := digestFile(path)
	if err != nil {
		return "", err
	}
	if !ed25519.Verify(pub, sum[:], sig) {
		v.log.Warn("signature.verify.mismatch", slog.String("file", path), slog.String("token", Token(pub)))
		return "", fmt.Errorf("%w: %s", ErrInvalid, path)
	}
	return sf.Publisher, nil
}

func isRegular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
