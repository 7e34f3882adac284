// Package crypto seals stored OAuth secrets with an AEAD keyed from configuration.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for turning the configured passphrase into a key.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	KeyLen       uint32 = chacha20poly1305.KeySize
)

// keySalt is fixed: the key must be reproducible across restarts from the passphrase alone.
var keySalt = []byte("ledgersync/token-key/v1")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey returns an Argon2id key for the given passphrase.
func DeriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), keySalt, argonTime, argonMemory, argonThreads, KeyLen)
}

// Sealer encrypts short secrets with XChaCha20-Poly1305 and a random nonce.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer constructs a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext; aad binds the ciphertext to its purpose (e.g. column name).
// Output layout: nonce || ciphertext.
func (s *Sealer) Seal(plaintext string, aad []byte) ([]byte, error) {
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, []byte(plaintext), aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (s *Sealer) Open(blob, aad []byte) (string, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed value too short")
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	pt, err := s.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
