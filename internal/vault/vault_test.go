package vault

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/store"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v := New("correct horse battery staple")

	plaintext := []byte("sk-ant-secret")
	ciphertext, nonce, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := v.Open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %s", got)
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	ciphertext, nonce, err := New("right").Seal([]byte("value"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := New("wrong").Open(ciphertext, nonce); err == nil {
		t.Fatal("expected open to fail with wrong passphrase")
	}
}

func TestDeterministicKeyAcrossInstances(t *testing.T) {
	ciphertext, nonce, err := New("pass").Seal([]byte("value"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// A new vault from the same passphrase must unseal old values
	got, err := New("pass").Open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open with fresh vault: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("got %s", got)
	}
}

func TestKeyring(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "keys.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	k := NewKeyring(New("pass"), s)

	if err := k.Put("anthropic_api_key", "sk-ant-123"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := k.Get("anthropic_api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-ant-123" {
		t.Fatalf("got %q", got)
	}

	// Absent name is not an error
	got, err = k.Get("missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty, got %q", got)
	}

	names, err := k.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "anthropic_api_key" {
		t.Fatalf("unexpected names %v", names)
	}

	if err := k.Delete("anthropic_api_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = k.Get("anthropic_api_key")
	if got != "" {
		t.Fatal("expected empty after delete")
	}
}
