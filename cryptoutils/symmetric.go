package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// DeriveAccountKey derives a 32-byte key from an account identity.
// It needs no external secret: anyone knowing the identity can recompute it.
func DeriveAccountKey(domain string, accountID string) [32]byte {
	mac := hmac.New(sha256.New, []byte(domain))
	mac.Write([]byte(accountID))

	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

// SealAESGCM encrypts data with AES-256-GCM under a random 12-byte IV.
// Format: [iv][ciphertext || tag]
func SealAESGCM(key [32]byte, data []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return aesGCM.Seal(iv, iv, data, nil), nil
}

// OpenAESGCM decrypts data produced by SealAESGCM.
func OpenAESGCM(key [32]byte, sealed []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesGCM.NonceSize()+aesGCM.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	iv := sealed[:aesGCM.NonceSize()]
	plaintext, err := aesGCM.Open(nil, iv, sealed[aesGCM.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Wipe zeroes the provided buffer.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
