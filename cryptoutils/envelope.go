package cryptoutils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// EnvelopeVersion is the only envelope scheme produced and accepted.
const EnvelopeVersion = "x25519-xsalsa20-poly1305"

// EncryptedData is a NaCl box envelope addressed to an x25519 public key.
type EncryptedData struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Marshal serializes the envelope to JSON.
func (e *EncryptedData) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEncryptedData parses a JSON envelope and checks its version.
func ParseEncryptedData(data []byte) (*EncryptedData, error) {
	var env EncryptedData
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %q", env.Version)
	}
	return &env, nil
}

// X25519PublicKey computes the public key for a private scalar.
func X25519PublicKey(privateKey [32]byte) ([32]byte, error) {
	var pub [32]byte
	pb, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("failed to compute public key: %w", err)
	}
	copy(pub[:], pb)
	return pub, nil
}

// EncryptToPublicKey seals data to the recipient's x25519 public key.
// A fresh ephemeral key is generated for each call.
func EncryptToPublicKey(recipient [32]byte, data []byte) (*EncryptedData, error) {
	ephemPub, ephemPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer Wipe(ephemPriv[:])

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := box.Seal(nil, data, &nonce, &recipient, ephemPriv)

	return &EncryptedData{
		Version:        EnvelopeVersion,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephemPub[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptWithPrivateKey opens an envelope produced by EncryptToPublicKey.
func DecryptWithPrivateKey(privateKey [32]byte, env *EncryptedData) ([]byte, error) {
	nonce, ephemPub, sealed, err := env.decode()
	if err != nil {
		return nil, err
	}

	plaintext, ok := box.Open(nil, sealed, &nonce, &ephemPub, &privateKey)
	if !ok {
		return nil, errors.New("failed to decrypt envelope")
	}
	return plaintext, nil
}

func (e *EncryptedData) decode() (nonce [24]byte, ephemPub [32]byte, sealed []byte, err error) {
	if e.Version != EnvelopeVersion {
		return nonce, ephemPub, nil, fmt.Errorf("unsupported envelope version %q", e.Version)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil || len(nonceBytes) != len(nonce) {
		return nonce, ephemPub, nil, errors.New("invalid envelope nonce")
	}
	copy(nonce[:], nonceBytes)

	if e.EphemPublicKey != "" {
		pubBytes, err := base64.StdEncoding.DecodeString(e.EphemPublicKey)
		if err != nil || len(pubBytes) != len(ephemPub) {
			return nonce, ephemPub, nil, errors.New("invalid envelope ephemeral key")
		}
		copy(ephemPub[:], pubBytes)
	}

	sealed, err = base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nonce, ephemPub, nil, fmt.Errorf("invalid envelope ciphertext: %w", err)
	}
	return nonce, ephemPub, sealed, nil
}
