package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encryptedPrefix marks values that have been encrypted.
// This allows explicit identification of encrypted vs plaintext values.
const encryptedPrefix = "enc:"

// ErrNoEncryptionKey is returned when an encrypted value is read by a store opened without a key.
var ErrNoEncryptionKey = errors.New("store: encrypted value but no encryption key configured")

// keyInfo binds derived keys to their use.
const keyInfo = "aipulse account credentials v1"

// DeriveKey derives a 32-byte AES key from a user-supplied secret with HKDF-SHA256.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("store.DeriveKey: empty secret")
	}
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("store.DeriveKey: %w", err)
	}
	return key, nil
}

// encrypt encrypts plaintext using AES-256-GCM.
// Returns base64(nonce + ciphertext). aad binds the ciphertext to a row.
func encrypt(plaintext string, key []byte, aad string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("store.encrypt: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("store.encrypt: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a base64(nonce + ciphertext) string. aad must match encrypt.
func decrypt(encoded string, key []byte, aad string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("store.decrypt: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("store.decrypt: invalid base64: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("store.decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("store.decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sealForStorage encrypts plaintext with the store key and adds the prefix.
// Without a key the value is stored as-is.
func (s *Store) sealForStorage(plaintext, aad string) (string, error) {
	if s.key == nil {
		return plaintext, nil
	}
	ciphertext, err := encrypt(plaintext, s.key, aad)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + ciphertext, nil
}

// openFromStorage checks for the encrypted prefix and decrypts if present.
// If no prefix is found, returns the value as-is (plaintext).
func (s *Store) openFromStorage(stored, aad string) (string, error) {
	if !IsEncryptedValue(stored) {
		return stored, nil
	}
	if s.key == nil {
		return "", ErrNoEncryptionKey
	}
	return decrypt(strings.TrimPrefix(stored, encryptedPrefix), s.key, aad)
}

// IsEncryptedValue checks if a string has the encrypted prefix.
func IsEncryptedValue(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
