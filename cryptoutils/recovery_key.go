package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

var recoveryKeyPrefix = [2]byte{0x8B, 0x01}

// ErrMalformedRecoveryKey is returned when an encoded recovery key cannot be decoded.
var ErrMalformedRecoveryKey = errors.New("malformed recovery key")

// GenerateRecoveryKey creates a fresh random recovery key.
func GenerateRecoveryKey() (interfaces.RecoveryKey, error) {
	var key interfaces.RecoveryKey
	if _, err := io.ReadFull(rand.Reader, key.PrivateKey[:]); err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("failed to generate recovery key: %w", err)
	}
	key.Encoded = EncodeRecoveryKey(key.PrivateKey)
	return key, nil
}

// EncodeRecoveryKey returns the human-readable form of a recovery key.
func EncodeRecoveryKey(privateKey [32]byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(privateKey)+1)
	buf = append(buf, recoveryKeyPrefix[:]...)
	buf = append(buf, privateKey[:]...)

	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58.Encode(buf)

	var sb strings.Builder
	for i, r := range encoded {
		if i > 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// DecodeRecoveryKey parses the human-readable form, ignoring whitespace.
func DecodeRecoveryKey(encoded string) (interfaces.RecoveryKey, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	if compact == "" {
		return interfaces.RecoveryKey{}, ErrMalformedRecoveryKey
	}

	buf, err := base58.Decode(compact)
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: %v", ErrMalformedRecoveryKey, err)
	}

	if len(buf) != len(recoveryKeyPrefix)+32+1 {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: invalid length %d", ErrMalformedRecoveryKey, len(buf))
	}
	if buf[0] != recoveryKeyPrefix[0] || buf[1] != recoveryKeyPrefix[1] {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: invalid prefix", ErrMalformedRecoveryKey)
	}

	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	if parity != 0 {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: parity check failed", ErrMalformedRecoveryKey)
	}

	var key interfaces.RecoveryKey
	copy(key.PrivateKey[:], buf[2:34])
	key.Encoded = EncodeRecoveryKey(key.PrivateKey)
	return key, nil
}
