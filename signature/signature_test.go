package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "thing.pkg")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestToken(t *testing.T) {
	pub, _ := newKey(t)
	tok := Token(pub)
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(tok) {
		t.Fatalf("Token() = %q, want 16 hex characters", tok)
	}
	if Token(pub) != tok {
		t.Fatal("Token() is not stable")
	}
}

func TestVerify(t *testing.T) {
	pub, priv := newKey(t)
	other, _ := newKey(t)

	tests := []struct {
		name    string
		trusted []ed25519.PublicKey
		sign    bool
		tamper  bool
		wantErr error
	}{
		{name: "valid", trusted: []ed25519.PublicKey{pub}, sign: true},
		{name: "unsigned", trusted: []ed25519.PublicKey{pub}, wantErr: ErrUnsigned},
		{name: "untrusted", trusted: []ed25519.PublicKey{other}, sign: true, wantErr: ErrUntrusted},
		{name: "tampered", trusted: []ed25519.PublicKey{pub}, sign: true, tamper: true, wantErr: ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "payload")
			if tt.sign {
				if err := Sign(path, "Acme Corp", priv); err != nil {
					t.Fatalf("Sign() failed: %v", err)
				}
			}
			if tt.tamper {
				if err := os.WriteFile(path, []byte("payload!"), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			v := NewVerifier(WithTrustedKeys(tt.trusted...))
			publisher, err := v.Verify(path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || publisher != "Acme Corp" {
				t.Fatalf("Verify() = %q, %v", publisher, err)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	pub, _ := newKey(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "acme.pub"), []byte(base64.StdEncoding.EncodeToString(pub)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v := NewVerifier()
	n, err := v.LoadDir(dir)
	if err != nil || n != 1 {
		t.Fatalf("LoadDir() = %d, %v", n, err)
	}
	if !v.IsTrusted(Token(pub)) {
		t.Fatal("loaded key is not trusted")
	}
	if n, err := v.LoadDir(filepath.Join(dir, "missing")); err != nil || n != 0 {
		t.Fatalf("LoadDir(missing) = %d, %v", n, err)
	}
}

func TestUnsignedAllowed(t *testing.T) {
	pub, _ := newKey(t)
	_, otherPriv := newKey(t)
	v := NewVerifier(WithTrustedKeys(pub), WithUnsignedAllowed())

	plain := writeFile(t, "payload")
	if _, err := v.Verify(plain); err != nil {
		t.Fatalf("Verify(unsigned) = %v", err)
	}
	if _, err := v.Verify(plain + ".missing"); !errors.Is(err, ErrUnsigned) {
		t.Fatalf("Verify(missing) = %v, want ErrUnsigned", err)
	}

	signed := writeFile(t, "payload")
	if err := Sign(signed, "Mallory", otherPriv); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(signed); !errors.Is(err, ErrUntrusted) {
		t.Fatalf("Verify(untrusted) = %v, want ErrUntrusted", err)
	}
}
