package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
)

// Argon2id parameters for password key pairs: time=1, memory=64MiB, threads=4.
const (
	passwordKDFTime    = 1
	passwordKDFMemory  = 64 * 1024
	passwordKDFThreads = 4
)

// PasswordKeyPair is an x25519 key pair derived from a password.
type PasswordKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// DerivePasswordKeyPair derives a deterministic key pair from a password.
// The salt binds the pair to one account.
func DerivePasswordKeyPair(password []byte, salt []byte) (*PasswordKeyPair, error) {
	if len(password) == 0 {
		return nil, errors.New("empty password")
	}

	s := sha256.Sum256(append([]byte("E2EE-RECOVERY-PASSWORD-"), salt...))
	seed := argon2.IDKey(password, s[:], passwordKDFTime, passwordKDFMemory, passwordKDFThreads, 32)
	defer Wipe(seed)

	kp := &PasswordKeyPair{}
	copy(kp.Private[:], seed)
	clamp(&kp.Private)

	pub, err := X25519PublicKey(kp.Private)
	if err != nil {
		return nil, err
	}
	kp.Public = pub
	return kp, nil
}

// Wipe zeroes the private half of the pair.
func (kp *PasswordKeyPair) Wipe() {
	Wipe(kp.Private[:])
}

// SealWithKeyPair encrypts data with the pair's self shared key.
func SealWithKeyPair(kp *PasswordKeyPair, data []byte) (*EncryptedData, error) {
	var shared [32]byte
	box.Precompute(&shared, &kp.Public, &kp.Private)
	defer Wipe(shared[:])

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := box.SealAfterPrecomputation(nil, data, &nonce, &shared)
	return &EncryptedData{
		Version:    EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// OpenWithKeyPair decrypts an envelope sealed by SealWithKeyPair.
func OpenWithKeyPair(kp *PasswordKeyPair, env *EncryptedData) ([]byte, error) {
	nonce, _, sealed, err := env.decode()
	if err != nil {
		return nil, err
	}

	var shared [32]byte
	box.Precompute(&shared, &kp.Public, &kp.Private)
	defer Wipe(shared[:])

	plaintext, ok := box.OpenAfterPrecomputation(nil, sealed, &nonce, &shared)
	if !ok {
		return nil, errors.New("failed to decrypt envelope")
	}
	return plaintext, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
