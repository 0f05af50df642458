package identity

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealer wraps JWTs at rest with an AEAD cipher keyed from configuration,
// and derives the deterministic lookup hash for opaque token bodies. An
// AEAD cipher (here ChaCha20-Poly1305, an AES-256-GCM equivalent available
// pure-Go in the pack) replaces the JWT's own signature as the at-rest
// confidentiality boundary; the JWT signature still protects the claims
// once decrypted in memory.
type sealer struct {
	aead    cipher.AEAD
	hmacKey []byte
}

func newSealer(encryptionKey, hmacKey []byte) (*sealer, error) {
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead, hmacKey: hmacKey}, nil
}

// seal encrypts plaintext (a signed JWT) under a fresh random salt/nonce,
// returning the salt and ciphertext separately for storage.
func (s *sealer) seal(plaintext []byte) (salt, ciphertext []byte, err error) {
	salt = make([]byte, 16) // >=128 bits
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, salt)
	// nonce is prefixed to the ciphertext so unseal can recover it.
	return salt, append(nonce, sealed...), nil
}

func (s *sealer) unseal(salt, stored []byte) ([]byte, error) {
	if len(stored) < chacha20poly1305.NonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := stored[:chacha20poly1305.NonceSize]
	ciphertext := stored[chacha20poly1305.NonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, salt)
}

// tokenHash computes the keyed lookup hash of an opaque token body, so that
// database disclosure alone can't be used to forge or look up tokens.
func (s *sealer) tokenHash(body string) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// newOpaqueBody generates the random reference body encoded into the
// external protected-token string.
func newOpaqueBody() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
