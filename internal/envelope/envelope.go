// Package envelope seals served documents into a canonical salted
// envelope before upload. Whoever holds the passphrase can open the
// envelope, independent of who holds the NFT; the passphrase is
// escrowed off-chain by the issuance workflow.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// Envelope layout: magic || salt (8) || nonce (12) || AES-256-GCM
// ciphertext. Both ends must agree on this exact framing; Open rejects
// anything else instead of guessing.
const (
	magic     = "Salted__"
	saltSize  = 8
	nonceSize = 12
	keySize   = 32
	kdfIters  = 10000
)

var (
	// ErrMalformedEnvelope means the input does not carry the canonical
	// salted header.
	ErrMalformedEnvelope = errors.New("envelope: malformed or missing salted header")
	// ErrDecryptFailed means the passphrase is wrong or the ciphertext
	// was tampered with.
	ErrDecryptFailed = errors.New("envelope: authentication failed")
)

// GeneratePassphrase returns a fresh per-notice passphrase.
func GeneratePassphrase() string {
	return uuid.NewString()
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIters, keySize, sha256.New)
}

// Seal encrypts plaintext under a key derived from the passphrase and
// returns the framed envelope.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("envelope: empty document")
	}
	if passphrase == "" {
		return nil, errors.New("envelope: empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init failed: %w", err)
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm init failed: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(plaintext)+aesgcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aesgcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open validates the envelope framing and decrypts. A wrong passphrase
// fails with ErrDecryptFailed; it never returns garbage.
func Open(data []byte, passphrase string) ([]byte, error) {
	header := len(magic) + saltSize + nonceSize
	if len(data) < header || string(data[:len(magic)]) != magic {
		return nil, ErrMalformedEnvelope
	}

	salt := data[len(magic) : len(magic)+saltSize]
	nonce := data[len(magic)+saltSize : header]
	ciphertext := data[header:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init failed: %w", err)
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm init failed: %w", err)
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
