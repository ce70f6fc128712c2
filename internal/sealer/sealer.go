// Package sealer encrypts OAuth tokens before they are written to the document
// store.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer seals and opens byte strings with XChaCha20-Poly1305. The nonce is
// prepended to the ciphertext.
type Sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// New builds a Sealer from a raw 32 byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token encryption key must be exactly %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewFromBase64 decodes a base64 (std encoding) key, as stored in TOKEN_ENC_KEY.
func NewFromBase64(encoded string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_ENC_KEY must be valid base64: %w", err)
	}
	return New(key)
}

// Seal encrypts plain. additionalData binds the ciphertext to its owner so a
// sealed token copied onto another credential fails to open.
func (s *Sealer) Seal(plain, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, additionalData), nil
}

// Open reverses Seal.
func (s *Sealer) Open(data, additionalData []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := data[:ns], data[ns:]
	plain, err := s.aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open sealed token: %w", err)
	}
	return plain, nil
}

// SealString seals s; the empty string stays empty so optional tokens remain absent.
func (s *Sealer) SealString(plain string, additionalData []byte) ([]byte, error) {
	if plain == "" {
		return nil, nil
	}
	return s.Seal([]byte(plain), additionalData)
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(data, additionalData []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	plain, err := s.Open(data, additionalData)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
