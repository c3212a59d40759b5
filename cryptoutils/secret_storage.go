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

	"golang.org/x/crypto/hkdf"
)

// SecretStorageAlgorithm identifies the key check scheme of a descriptor.
const SecretStorageAlgorithm = "aes-hmac-sha2"

// SecretStorageDescriptor lets a candidate recovery key be checked without
// revealing anything about the key.
type SecretStorageDescriptor struct {
	KeyID     string `json:"keyId"`
	Algorithm string `json:"algorithm"`
	IV        []byte `json:"iv"`
	MAC       []byte `json:"mac"`
}

// NewSecretStorageDescriptor computes a descriptor for the key under a fresh IV.
func NewSecretStorageDescriptor(keyID string, privateKey [32]byte) (*SecretStorageDescriptor, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	// Cleared bit 63 keeps the CTR counter from overflowing.
	iv[8] &= 0x7f

	mac, err := secretStorageMAC(keyID, privateKey, iv)
	if err != nil {
		return nil, err
	}

	return &SecretStorageDescriptor{
		KeyID:     keyID,
		Algorithm: SecretStorageAlgorithm,
		IV:        iv,
		MAC:       mac,
	}, nil
}

// VerifySecretStorageKey reports whether the candidate key matches the descriptor.
func VerifySecretStorageKey(desc *SecretStorageDescriptor, candidate [32]byte) (bool, error) {
	if desc == nil {
		return false, errors.New("missing secret storage descriptor")
	}
	if desc.Algorithm != SecretStorageAlgorithm {
		return false, fmt.Errorf("unsupported secret storage algorithm %q", desc.Algorithm)
	}

	mac, err := secretStorageMAC(desc.KeyID, candidate, desc.IV)
	if err != nil {
		return false, err
	}
	return hmac.Equal(mac, desc.MAC), nil
}

func secretStorageMAC(keyID string, privateKey [32]byte, iv []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.New("invalid IV length")
	}

	keys := make([]byte, 64)
	kdf := hkdf.New(sha256.New, privateKey[:], make([]byte, 32), []byte(keyID))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	defer Wipe(keys)

	block, err := aes.NewCipher(keys[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	zeros := make([]byte, 32)
	ciphertext := make([]byte, len(zeros))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, zeros)

	mac := hmac.New(sha256.New, keys[32:])
	mac.Write(ciphertext)
	return mac.Sum(nil), nil
}
