// Package crypto: PSK challenge-response session keys + ChaCha20-Poly1305
// for the WiFi link.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize 256-bit session key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize 96-bit IV, prepended to every ciphertext.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize 128-bit authentication tag, appended by the cipher.
	TagSize = chacha20poly1305.Overhead
)

// ErrEncryptionFailed wraps every seal/open failure. Its text is safe to show.
var ErrEncryptionFailed = errors.New("encryption failed")

// Engine seals/opens opaque buffers under one session key.
type Engine struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewEngine builds an engine; key must be KeySize bytes.
func NewEngine(key *SessionKey) (*Engine, error) {
	if key == nil || len(key.b) != KeySize {
		return nil, fmt.Errorf("%w: key size must be %d", ErrEncryptionFailed, KeySize)
	}
	aead, err := chacha20poly1305.New(key.b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return &Engine{aead: aead, rand: rand.Reader}, nil
}

// Encrypt: random IV || ciphertext || tag.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrEncryptionFailed, err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt splits IV, authenticates and opens. Never returns partial data.
func (e *Engine) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	pt, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	return pt, nil
}
