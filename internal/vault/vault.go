// Package vault seals model provider API keys at rest. Keys are encrypted
// with AES-256-GCM under a key derived from the operator passphrase and
// stored in sqlite, so a copied database file leaks nothing without the
// passphrase.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/plumehq/plume/internal/store"
)

// Vault derives an AES-256 key from a passphrase via Argon2id. The salt is
// deterministic (SHA-256 of the passphrase) so the same passphrase unseals
// the same secrets across restarts.
type Vault struct {
	key [32]byte
}

func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Seal encrypts plaintext with a fresh random nonce.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext sealed by this vault's passphrase.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Keyring is the sealed credential store for model providers. Values go
// through the Vault on the way in and out of sqlite.
type Keyring struct {
	vault *Vault
	store *store.Store
}

func NewKeyring(v *Vault, s *store.Store) *Keyring {
	return &Keyring{vault: v, store: s}
}

// Put seals and stores a credential under name, replacing any previous value.
func (k *Keyring) Put(name, value string) error {
	ciphertext, nonce, err := k.vault.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	if err := k.store.SaveSecret(&store.Secret{Name: name, Value: ciphertext, Nonce: nonce}); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

// Get unseals a stored credential. Returns "" with no error when the name
// is absent, so callers can fall back to environment configuration.
func (k *Keyring) Get(name string) (string, error) {
	sec, err := k.store.GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", name, err)
	}
	if sec == nil {
		return "", nil
	}
	plaintext, err := k.vault.Open(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("unseal %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (k *Keyring) List() ([]string, error) {
	return k.store.ListSecretNames()
}

func (k *Keyring) Delete(name string) error {
	return k.store.DeleteSecret(name)
}
