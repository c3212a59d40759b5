// Package keycache stores the unsealed recovery key on the device so repeat
// logins skip the wallet or password round trip.
//
// Entries are sealed with AES-256-GCM under a key derived from the account
// identity and a fixed domain string. No external secret is involved: the
// cache is a performance optimization, not a security boundary.
package keycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// DomainSeparator is the fixed HMAC key for cache key derivation.
const DomainSeparator = "e2ee-key-custody/local-key-cache/v1"

// Cache is the Local Key Cache.
type Cache struct {
	store interfaces.BlobStore
	log   *slog.Logger
}

// New creates a cache persisting entries in store.
func New(store interfaces.BlobStore, log *slog.Logger) *Cache {
	return &Cache{
		store: store,
		log:   log,
	}
}

// Get returns the cached recovery key for the account.
// The boolean is false when no usable entry exists; unreadable entries are
// cleared and reported as absent.
func (c *Cache) Get(ctx context.Context, accountID interfaces.AccountID) (interfaces.RecoveryKey, bool, error) {
	sealed, err := c.store.Get(ctx, entryKey(accountID))
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return interfaces.RecoveryKey{}, false, nil
	}
	if err != nil {
		return interfaces.RecoveryKey{}, false, fmt.Errorf("failed to read key cache: %w", err)
	}

	key := cryptoutils.DeriveAccountKey(DomainSeparator, accountID.String())
	defer cryptoutils.Wipe(key[:])

	plaintext, err := cryptoutils.OpenAESGCM(key, sealed)
	if err != nil {
		c.log.Warn("Discarding unreadable key cache entry", "account", accountID, "err", err)
		return interfaces.RecoveryKey{}, false, c.Clear(ctx, accountID)
	}
	defer cryptoutils.Wipe(plaintext)

	recoveryKey, err := cryptoutils.DecodeRecoveryKey(string(plaintext))
	if err != nil {
		c.log.Warn("Discarding malformed key cache entry", "account", accountID, "err", err)
		return interfaces.RecoveryKey{}, false, c.Clear(ctx, accountID)
	}

	return recoveryKey, true, nil
}

// Put seals and stores the recovery key for the account.
func (c *Cache) Put(ctx context.Context, accountID interfaces.AccountID, recoveryKey interfaces.RecoveryKey) error {
	key := cryptoutils.DeriveAccountKey(DomainSeparator, accountID.String())
	defer cryptoutils.Wipe(key[:])

	sealed, err := cryptoutils.SealAESGCM(key, []byte(recoveryKey.Encoded))
	if err != nil {
		return fmt.Errorf("failed to seal key cache entry: %w", err)
	}

	if err := c.store.Put(ctx, entryKey(accountID), sealed); err != nil {
		return fmt.Errorf("failed to write key cache: %w", err)
	}

	c.log.Debug("Key cache entry written", "account", accountID)
	return nil
}

// Clear removes the account's entry.
func (c *Cache) Clear(ctx context.Context, accountID interfaces.AccountID) error {
	if err := c.store.Delete(ctx, entryKey(accountID)); err != nil {
		return fmt.Errorf("failed to clear key cache: %w", err)
	}
	c.log.Debug("Key cache entry cleared", "account", accountID)
	return nil
}

// entryKey hashes the account identity so store keys carry no user identifiers.
func entryKey(accountID interfaces.AccountID) string {
	sum := sha256.Sum256([]byte(accountID))
	return "keycache/" + hex.EncodeToString(sum[:])
}
