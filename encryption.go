package quipodb

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// EncryptionBackend wraps any backend with AES-256-GCM encryption at rest.
// Each object is stored as a random nonce followed by the sealed data.
type EncryptionBackend struct {
	Backend
	aead cipher.AEAD
}

// NewEncryptionBackend wraps a backend with AES-256-GCM encryption.
// Key must be exactly 32 bytes for AES-256.
func NewEncryptionBackend(backend Backend, key []byte) (*EncryptionBackend, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &EncryptionBackend{
		Backend: backend,
		aead:    gcm,
	}, nil
}

// Put encrypts data before storing
func (e *EncryptionBackend) Put(ctx context.Context, key string, data []byte) error {
	encrypted, err := e.encrypt(data)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	return e.Backend.Put(ctx, key, encrypted)
}

// Get decrypts data after retrieving
func (e *EncryptionBackend) Get(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.decrypt(encrypted)
}

func (e *EncryptionBackend) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *EncryptionBackend) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(ciphertext),
		})
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "decryption failed",
			"error":  err.Error(),
		})
	}
	return plaintext, nil
}
