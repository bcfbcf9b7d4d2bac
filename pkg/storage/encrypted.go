package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypted wraps another Storage with ChaCha20-Poly1305 authenticated
// encryption at rest, answering the "encrypted-on-disk" storage variant —
// typically layered over a Disk store.
type Encrypted struct {
	inner Storage
	aead  cipher.AEAD
}

// NewEncrypted wraps inner with AEAD encryption using a 32-byte key.
func NewEncrypted(inner Storage, key []byte) (*Encrypted, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage: encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Encrypted{inner: inner, aead: aead}, nil
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := e.inner.Get(ctx, key)
	if err != nil || raw == nil {
		return raw, err
	}
	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, nil
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Tampered or foreign-key ciphertext: treat as absent per the
		// storage contract rather than failing the caller.
		return nil, nil
	}
	return plaintext, nil
}

func (e *Encrypted) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := e.aead.Seal(nonce, nonce, value, nil)
	return e.inner.Set(ctx, key, sealed, ttlSeconds)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}
