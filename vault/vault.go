// Package vault encrypts and decrypts ephemeral deposit key material at
// rest. The encryption key is process-wide configuration, loaded once at
// startup and never logged.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cascadepay/railcore/build"
)

var log = build.Log

var (
	// ErrBadKeyLength means the configured vault key has the wrong size
	ErrBadKeyLength = errors.New("vault key must be 32 bytes")
	// ErrDecrypt means a ciphertext failed authentication. This is fatal
	// for the enclosing operation: the key material is either tampered
	// with or we're running with the wrong vault key.
	ErrDecrypt = errors.New("could not decrypt key material")
)

// Sealed is an encrypted blob together with the nonce it was sealed with.
// Both parts are safe to persist.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Vault seals and opens key material with an authenticated cipher
type Vault struct {
	key []byte
}

// New creates a Vault from a 32 byte symmetric key
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKeyLength
	}
	// copy so the caller can't mutate our key from the outside
	owned := make([]byte, len(key))
	copy(owned, key)
	return &Vault{key: owned}, nil
}

// FromHex creates a Vault from a hex encoded 32 byte key, typically read
// from the environment
func FromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New("vault key is not valid hex")
	}
	return New(key)
}

// Encrypt seals the given plaintext under a fresh random nonce
func (v *Vault) Encrypt(plaintext []byte) (Sealed, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a sealed blob. A failure here always fails closed: the
// returned plaintext is nil and the enclosing operation must abort.
func (v *Vault) Decrypt(sealed Sealed) ([]byte, error) {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return nil, err
	}

	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		log.WithError(err).Error("Vault decryption failed, operator attention required")
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
