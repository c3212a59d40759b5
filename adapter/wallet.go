package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// WalletAdapter seals the recovery key to the wallet's encryption public key.
type WalletAdapter struct {
	wallet interfaces.Wallet
	log    *slog.Logger
}

// NewWalletAdapter creates an adapter backed by wallet.
func NewWalletAdapter(wallet interfaces.Wallet, log *slog.Logger) *WalletAdapter {
	return &WalletAdapter{
		wallet: wallet,
		log:    log,
	}
}

func (a *WalletAdapter) Kind() interfaces.CredentialKind {
	return interfaces.CredentialWallet
}

// Seal requests the wallet's encryption key and seals the encoded recovery key to it.
func (a *WalletAdapter) Seal(ctx context.Context, account interfaces.Account, key interfaces.RecoveryKey) ([]byte, error) {
	if err := a.checkAddress(ctx, account); err != nil {
		return nil, err
	}

	pub, err := a.wallet.GetPublicKey(ctx, account.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet encryption key: %w", err)
	}

	env, err := cryptoutils.EncryptToPublicKey(pub, []byte(key.Encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to seal recovery key: %w", err)
	}
	return env.Marshal()
}

// Unseal asks the wallet to decrypt the escrowed ciphertext.
func (a *WalletAdapter) Unseal(ctx context.Context, account interfaces.Account, ciphertext []byte) (interfaces.RecoveryKey, error) {
	if err := a.checkAddress(ctx, account); err != nil {
		return interfaces.RecoveryKey{}, err
	}

	plaintext, err := a.wallet.Decrypt(ctx, ciphertext, account.WalletAddress)
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("wallet decrypt: %w", err)
	}
	defer cryptoutils.Wipe(plaintext)

	key, err := cryptoutils.DecodeRecoveryKey(string(plaintext))
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}
	return key, nil
}

func (a *WalletAdapter) Forget() {}

// checkAddress rejects a wallet connected with another account and revokes
// the stale permission so the UI can prompt for a fresh connection.
func (a *WalletAdapter) checkAddress(ctx context.Context, account interfaces.Account) error {
	connected, err := a.wallet.ConnectedAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connected wallet: %w", err)
	}

	if connected == account.WalletAddress {
		return nil
	}

	a.log.Warn("Connected wallet does not match account",
		"account", account.ID,
		"expected", account.WalletAddress.Hex(),
		"connected", connected.Hex())

	if err := a.wallet.RevokePermissions(ctx); err != nil {
		a.log.Error("Failed to revoke wallet permissions", "err", err)
	}
	return fmt.Errorf("%w: connected %s, registered %s", interfaces.ErrAccountMismatch, connected.Hex(), account.WalletAddress.Hex())
}
