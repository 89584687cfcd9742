package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"knowbot/internal/domain"
)

const encPrefix = "enc:"

// SecretBox encrypts conversation content at rest using AES-256-GCM with a
// key derived from a passphrase via Argon2id. The derivation salt is
// persisted next to the protected store so the same passphrase yields the
// same key across restarts.
type SecretBox struct {
	mu  sync.RWMutex
	key []byte // 32 bytes
}

// NewSecretBox derives a key from passphrase using the salt stored at
// saltPath, creating a fresh random salt on first use.
func NewSecretBox(passphrase, saltPath string) (*SecretBox, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase must not be empty", domain.ErrEncryption)
	}

	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", domain.ErrEncryption, err)
	}

	return &SecretBox{key: deriveKey(passphrase, salt)}, nil
}

// Encrypt encrypts plaintext and returns "enc:" + base64(nonce + ciphertext).
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	b.mu.RLock()
	key := make([]byte, len(b.key))
	copy(key, b.key)
	b.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext. Input without the "enc:" prefix is returned
// as-is, so stores written before encryption was enabled keep working.
func (b *SecretBox) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return ciphertext, nil // plaintext passthrough
	}

	b.mu.RLock()
	key := make([]byte, len(b.key))
	copy(key, b.key)
	b.mu.RUnlock()

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

// IsEncrypted checks if a string has the "enc:" prefix.
func (b *SecretBox) IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

// Zeroize clears the key bytes from memory. Call on shutdown.
func (b *SecretBox) Zeroize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.key {
		b.key[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", domain.ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", domain.ErrEncryption, err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// loadOrCreateSalt reads the 16-byte salt file, creating it with fresh
// random bytes when absent.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != 16 {
			return nil, fmt.Errorf("salt file %s has %d bytes, want 16", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}
