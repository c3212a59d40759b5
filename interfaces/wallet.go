package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet is an external, user-interactive signer. Every call may block on a
// user approval and must honor context cancellation.
type Wallet interface {
	// ConnectedAddress returns the account currently connected to this application.
	ConnectedAddress(ctx context.Context) (common.Address, error)

	// GetPublicKey returns the x25519 encryption public key for the address.
	GetPublicKey(ctx context.Context, address common.Address) ([32]byte, error)

	// Decrypt opens an envelope sealed to the address's encryption key.
	Decrypt(ctx context.Context, ciphertext []byte, address common.Address) ([]byte, error)

	// RevokePermissions drops this application's permission to use the connected account.
	RevokePermissions(ctx context.Context) error
}

// SealingAdapter seals and unseals a recovery key under a user-controlled secret.
// Adapters are stateless apart from per-session credential caching.
type SealingAdapter interface {
	// Kind returns the credential kind this adapter serves.
	Kind() CredentialKind

	// Seal encrypts the recovery key for the account.
	Seal(ctx context.Context, account Account, key RecoveryKey) ([]byte, error)

	// Unseal decrypts an escrowed ciphertext. It may suspend on a user-interactive step.
	Unseal(ctx context.Context, account Account, ciphertext []byte) (RecoveryKey, error)

	// Forget drops any credential material cached for the current session.
	Forget()
}
