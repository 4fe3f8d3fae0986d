package cache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/cockroachdb/errors"
)

// SecureBackend wraps another Backend with AES-GCM encryption at rest.
// Frames are sealed with a random nonce prepended to the ciphertext. Keys
// themselves are not encrypted, only values.
type SecureBackend struct {
	inner Backend
	gcm   cipher.AEAD
}

var _ Backend = (*SecureBackend)(nil)

// NewSecureBackend wraps inner with encryption using the given AES key
// (16, 24, or 32 bytes).
func NewSecureBackend(inner Backend, key []byte) (*SecureBackend, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cache: invalid secure tier key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "cache: failed to create GCM")
	}
	return &SecureBackend{inner: inner, gcm: gcm}, nil
}

func (b *SecureBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, found, err := b.inner.Read(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	nonceSize := b.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, false, errors.New("cache: sealed frame too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plain, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "cache: failed to decrypt frame")
	}
	return plain, true, nil
}

func (b *SecureBackend) Write(ctx context.Context, key string, data []byte) error {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "cache: failed to generate nonce")
	}
	sealed := b.gcm.Seal(nonce, nonce, data, nil)
	return b.inner.Write(ctx, key, sealed)
}

func (b *SecureBackend) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}

func (b *SecureBackend) ListKeys(ctx context.Context) ([]string, error) {
	return b.inner.ListKeys(ctx)
}

func (b *SecureBackend) Clear(ctx context.Context) error {
	return b.inner.Clear(ctx)
}

func (b *SecureBackend) Len(ctx context.Context) (int, error) {
	return b.inner.Len(ctx)
}

func (b *SecureBackend) Close() error {
	return b.inner.Close()
}
