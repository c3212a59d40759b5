package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrUserRejected is returned when the user cancels or rejects an interactive step.
	ErrUserRejected = errors.New("user rejected the request")

	// ErrWrongPassword is returned when the supplied password does not open the escrowed key.
	ErrWrongPassword = errors.New("wrong password")

	// ErrAccountMismatch is returned when the connected wallet is not the account's registered wallet.
	ErrAccountMismatch = errors.New("wallet account mismatch")

	// ErrInvalidRecoveryKey is returned when an unsealed key fails secret-storage validation.
	ErrInvalidRecoveryKey = errors.New("invalid recovery key")

	// ErrNetwork is returned when the backend or the wallet transport cannot be reached.
	ErrNetwork = errors.New("network error")

	// ErrUnsealFailed is returned by adapters when a ciphertext cannot be opened.
	ErrUnsealFailed = errors.New("unseal failed")

	// ErrEscrowConflict is returned when a security key record exists and overwrite was not requested.
	ErrEscrowConflict = errors.New("security key already escrowed")

	// ErrNoAdapter is returned when no sealing adapter serves the account's credential kind.
	ErrNoAdapter = errors.New("no sealing adapter for credential kind")
)

// ErrorClass groups failures by how the caller can recover from them.
type ErrorClass int

const (
	// ClassUnknown covers errors outside the taxonomy.
	ClassUnknown ErrorClass = iota
	// ClassUserInteraction is a rejected or cancelled interactive step; retry by re-prompting.
	ClassUserInteraction
	// ClassCredential is a wrong password or wallet mismatch; retry only with corrected input.
	ClassCredential
	// ClassValidation is a key that fails secret-storage validation; not retried automatically.
	ClassValidation
	// ClassTransport is a backend, wallet or network failure; safe to retry.
	ClassTransport
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassUserInteraction:
		return "user_interaction"
	case ClassCredential:
		return "credential"
	case ClassValidation:
		return "validation"
	case ClassTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this class may be repeated as is.
func (c ErrorClass) Retryable() bool {
	return c == ClassUserInteraction || c == ClassTransport
}

// Classify maps an error to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrUserRejected), errors.Is(err, context.Canceled):
		return ClassUserInteraction
	case errors.Is(err, ErrWrongPassword), errors.Is(err, ErrAccountMismatch):
		return ClassCredential
	case errors.Is(err, ErrInvalidRecoveryKey):
		return ClassValidation
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	default:
		return ClassUnknown
	}
}
