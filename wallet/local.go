// Package wallet implements a local Ethereum-keyed wallet.
//
// LocalWallet holds secp256k1 account keys and exposes the encryption
// operations of a browser wallet: the x25519 encryption key of an account is
// derived from its private key bytes, and envelopes use
// x25519-xsalsa20-poly1305. Every privileged call goes through an Approver,
// which stands in for the wallet's confirmation popup.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// ErrNotConnected is returned when no account is connected or the requested account is unknown.
var ErrNotConnected = errors.New("wallet account not connected")

// Operation names the privileged call awaiting approval.
type Operation string

const (
	OpConnect      Operation = "eth_requestAccounts"
	OpGetPublicKey Operation = "eth_getEncryptionPublicKey"
	OpDecrypt      Operation = "eth_decrypt"
)

// Approver decides whether a privileged call may proceed. Returning an error
// rejects it; the wallet reports the rejection as ErrUserRejected.
type Approver func(ctx context.Context, op Operation, address common.Address) error

// AutoApprove approves every request.
func AutoApprove(context.Context, Operation, common.Address) error { return nil }

// LocalWallet implements interfaces.Wallet.
type LocalWallet struct {
	approve Approver
	log     *slog.Logger

	mu        sync.Mutex
	keys      map[common.Address]*ecdsa.PrivateKey
	selected  common.Address
	connected bool
}

// NewLocalWallet creates a wallet holding keys. The first key is selected.
func NewLocalWallet(approve Approver, log *slog.Logger, keys ...*ecdsa.PrivateKey) *LocalWallet {
	if approve == nil {
		approve = AutoApprove
	}
	w := &LocalWallet{
		approve: approve,
		log:     log,
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
	}
	for i, k := range keys {
		addr := crypto.PubkeyToAddress(k.PublicKey)
		w.keys[addr] = k
		if i == 0 {
			w.selected = addr
		}
	}
	return w
}

// LoadKeyHex parses a hex-encoded secp256k1 private key.
func LoadKeyHex(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}
	return key, nil
}

// Address returns the address controlled by key.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Select switches the account the wallet exposes, as a user would in the wallet UI.
func (w *LocalWallet) Select(address common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[address]; !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, address.Hex())
	}
	w.selected = address
	return nil
}

// ConnectedAddress returns the selected account, asking for approval on first connection.
func (w *LocalWallet) ConnectedAddress(ctx context.Context) (common.Address, error) {
	w.mu.Lock()
	selected, connected := w.selected, w.connected
	w.mu.Unlock()

	if selected == (common.Address{}) {
		return common.Address{}, ErrNotConnected
	}
	if connected {
		return selected, nil
	}

	if err := w.request(ctx, OpConnect, selected); err != nil {
		return common.Address{}, err
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return selected, nil
}

// GetPublicKey returns the x25519 encryption key for address.
func (w *LocalWallet) GetPublicKey(ctx context.Context, address common.Address) ([32]byte, error) {
	priv, err := w.encryptionKey(address)
	if err != nil {
		return [32]byte{}, err
	}
	defer cryptoutils.Wipe(priv[:])

	if err := w.request(ctx, OpGetPublicKey, address); err != nil {
		return [32]byte{}, err
	}
	return cryptoutils.X25519PublicKey(priv)
}

// Decrypt opens an envelope sealed to address.
func (w *LocalWallet) Decrypt(ctx context.Context, ciphertext []byte, address common.Address) ([]byte, error) {
	env, err := cryptoutils.ParseEncryptedData(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}

	priv, err := w.encryptionKey(address)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(priv[:])

	if err := w.request(ctx, OpDecrypt, address); err != nil {
		return nil, err
	}

	plaintext, err := cryptoutils.DecryptWithPrivateKey(priv, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}
	return plaintext, nil
}

// RevokePermissions disconnects the application.
func (w *LocalWallet) RevokePermissions(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.connected = false
	w.log.Info("Wallet permissions revoked")
	return nil
}

func (w *LocalWallet) encryptionKey(address common.Address) ([32]byte, error) {
	w.mu.Lock()
	key, ok := w.keys[address]
	w.mu.Unlock()
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrNotConnected, address.Hex())
	}

	var priv [32]byte
	raw := crypto.FromECDSA(key)
	copy(priv[:], raw)
	cryptoutils.Wipe(raw)
	return priv, nil
}

func (w *LocalWallet) request(ctx context.Context, op Operation, address common.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.approve(ctx, op, address); err != nil {
		w.log.Info("Wallet request rejected", "op", op, "address", address.Hex(), "err", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrUserRejected, op, err)
	}
	return nil
}
