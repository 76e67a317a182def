package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Keybox encrypts key material at rest using AES-256-GCM with the
// nonce prepended to the ciphertext.
type Keybox struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewKeybox creates a keybox from a 32-byte key
func NewKeybox(key []byte) (*Keybox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Keybox{encryptionKey: key}, nil
}

// NewKeyboxFromPassphrase derives the AES key from a passphrase with SHA-256
func NewKeyboxFromPassphrase(passphrase string) (*Keybox, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewKeybox(hash[:])
}

// DeriveKeyFromServerID derives a deterministic 32-byte key from the
// server identity. Used when no explicit key-at-rest passphrase is set.
func DeriveKeyFromServerID(serverID string) []byte {
	hash := sha256.Sum256([]byte("colony-keybox:" + serverID))
	return hash[:]
}

// Encrypt seals plaintext and prepends the nonce
func (kb *Keybox) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(kb.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt
func (kb *Keybox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(kb.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
