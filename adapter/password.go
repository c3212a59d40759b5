package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// PasswordAdapter seals the recovery key under a password-derived key pair.
// The derived pair is kept for the rest of the session after the first prompt
// and dropped by Forget.
type PasswordAdapter struct {
	requester PasswordRequester
	log       *slog.Logger

	mu     sync.Mutex
	cached map[interfaces.AccountID]*cryptoutils.PasswordKeyPair
}

// NewPasswordAdapter creates an adapter prompting through requester.
func NewPasswordAdapter(requester PasswordRequester, log *slog.Logger) *PasswordAdapter {
	return &PasswordAdapter{
		requester: requester,
		log:       log,
		cached:    make(map[interfaces.AccountID]*cryptoutils.PasswordKeyPair),
	}
}

func (a *PasswordAdapter) Kind() interfaces.CredentialKind {
	return interfaces.CredentialPassword
}

// Seal encrypts the encoded recovery key with the password key pair.
func (a *PasswordAdapter) Seal(ctx context.Context, account interfaces.Account, key interfaces.RecoveryKey) ([]byte, error) {
	kp, err := a.keyPair(ctx, account, true)
	if err != nil {
		return nil, err
	}

	env, err := cryptoutils.SealWithKeyPair(kp, []byte(key.Encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to seal recovery key: %w", err)
	}
	return env.Marshal()
}

// Unseal decrypts the escrowed ciphertext. A wrong password and a corrupt
// ciphertext both surface as ErrUnsealFailed.
func (a *PasswordAdapter) Unseal(ctx context.Context, account interfaces.Account, ciphertext []byte) (interfaces.RecoveryKey, error) {
	env, err := cryptoutils.ParseEncryptedData(ciphertext)
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}

	kp, err := a.keyPair(ctx, account, false)
	if err != nil {
		return interfaces.RecoveryKey{}, err
	}

	plaintext, err := cryptoutils.OpenWithKeyPair(kp, env)
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}
	defer cryptoutils.Wipe(plaintext)

	key, err := cryptoutils.DecodeRecoveryKey(string(plaintext))
	if err != nil {
		return interfaces.RecoveryKey{}, fmt.Errorf("%w: %v", interfaces.ErrUnsealFailed, err)
	}
	return key, nil
}

// Forget drops every cached key pair.
func (a *PasswordAdapter) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, kp := range a.cached {
		kp.Wipe()
		delete(a.cached, id)
	}
}

func (a *PasswordAdapter) keyPair(ctx context.Context, account interfaces.Account, confirm bool) (*cryptoutils.PasswordKeyPair, error) {
	a.mu.Lock()
	kp, ok := a.cached[account.ID]
	a.mu.Unlock()
	if ok {
		return kp, nil
	}

	a.log.Debug("Requesting password", "account", account.ID, "confirm", confirm)
	password, err := askPassword(ctx, a.requester, PasswordRequest{AccountID: account.ID, Confirm: confirm})
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(password)

	kp, err = cryptoutils.DerivePasswordKeyPair(password, []byte(account.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrWrongPassword, err)
	}

	a.mu.Lock()
	a.cached[account.ID] = kp
	a.mu.Unlock()
	return kp, nil
}
