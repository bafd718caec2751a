package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyContext binds derived keys to this store format so the same secret used
// elsewhere cannot be replayed against token files.
const keyContext = "mcp-google token store v1"

// deriveStoreKey stretches the configured secret into a 32-byte AES key using
// HKDF-SHA256.
func deriveStoreKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyContext))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	return key, nil
}

// sealBlob encrypts plaintext with AES-256-GCM. The random nonce is prepended
// to the ciphertext so the blob is self-contained.
func sealBlob(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openBlob decrypts a blob produced by sealBlob. Authentication failure means
// the blob was written with a different key or has been corrupted.
func openBlob(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("blob shorter than nonce")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
