// Package seal provides at-rest encryption for envelope payloads and the
// stable device fingerprint.
//
// Encryption is optional: producers feature-detect a nil *Keychain and fall
// back to storing metadata in the clear rather than failing capture.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/haulmark/fieldsync/internal/faults"
)

const (
	keyLen     = 32 // AES-256
	pbkdf2Iter = 210_000
)

// Keychain holds the derived symmetric key for at-rest encryption.
// A nil Keychain is valid and means "encryption disabled"; calling Encrypt
// or Decrypt on it is an encryption fault (programming error, not retried).
type Keychain struct {
	key []byte
}

// New derives an AES-256 key from a caller-supplied secret via
// PBKDF2-SHA256. The salt should be stable per installation so the same
// secret reopens existing ciphertexts; an empty salt is rejected.
func New(secret, salt []byte) (*Keychain, error) {
	if len(secret) == 0 {
		return nil, faults.Encryption("empty secret")
	}
	if len(salt) == 0 {
		return nil, faults.Encryption("empty salt")
	}
	return &Keychain{key: pbkdf2.Key(secret, salt, pbkdf2Iter, keyLen, sha256.New)}, nil
}

// Encrypt seals data with AES-256-GCM under a fresh random IV.
// Returns the ciphertext and IV base64-encoded for TEXT column storage.
func (k *Keychain) Encrypt(data []byte) (cipherText, iv string, err error) {
	if k == nil || len(k.key) == 0 {
		return "", "", faults.Encryption("keychain not initialized")
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce),
		nil
}

// Decrypt opens a ciphertext produced by Encrypt. Authentication failure
// (tampered ciphertext, wrong key) is an error.
func (k *Keychain) Decrypt(cipherText, iv string) ([]byte, error) {
	if k == nil || len(k.key) == 0 {
		return nil, faults.Encryption("keychain not initialized")
	}

	sealed, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("iv length %d, want %d", len(nonce), gcm.NonceSize())
	}

	data, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return data, nil
}
