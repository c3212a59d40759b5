// Package custodian manages the lifecycle of an account's recovery key.
//
// Bootstrap creates a recovery key for a fresh account, or recovers the
// escrowed one: first from the local key cache, then through the account's
// sealing adapter. Every recovered key is validated against the engine's
// secret storage before it is accepted.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/keycache"
	"golang.org/x/sync/singleflight"
)

// AdapterSelector returns the sealing adapter for a credential kind.
type AdapterSelector interface {
	ForCredential(kind interfaces.CredentialKind) (interfaces.SealingAdapter, error)
}

// RoomKeyBootstrapper performs the initial room key import after recovery.
type RoomKeyBootstrapper interface {
	Bootstrap(ctx context.Context) error
}

// Config holds the collaborators of a Custodian. All fields except RoomKeys
// are required.
type Config struct {
	Account  interfaces.Account
	Adapters AdapterSelector
	Cache    *keycache.Cache
	Escrow   interfaces.EscrowAPI
	Engine   interfaces.MessagingEngine
	// RoomKeys is optional.
	RoomKeys RoomKeyBootstrapper
	Log      *slog.Logger
}

// Custodian is the Security Key Custodian for one account.
type Custodian struct {
	account  interfaces.Account
	adapters AdapterSelector
	cache    *keycache.Cache
	escrow   interfaces.EscrowAPI
	engine   interfaces.MessagingEngine
	roomKeys RoomKeyBootstrapper
	log      *slog.Logger

	group      singleflight.Group
	flightMu   sync.Mutex
	current    *flight
	generation uint64

	mu  sync.Mutex
	key *interfaces.RecoveryKey
}

// New creates a Custodian for cfg.Account. No key is resolved until Bootstrap.
func New(cfg Config) (*Custodian, error) {
	if cfg.Adapters == nil || cfg.Cache == nil || cfg.Escrow == nil || cfg.Engine == nil || cfg.Log == nil {
		return nil, errors.New("custodian: adapters, cache, escrow, engine and log are required")
	}
	return &Custodian{
		account:  cfg.Account,
		adapters: cfg.Adapters,
		cache:    cfg.Cache,
		escrow:   cfg.Escrow,
		engine:   cfg.Engine,
		roomKeys: cfg.RoomKeys,
		log:      cfg.Log.With("account", cfg.Account.ID),
	}, nil
}

// Bootstrap resolves the account's recovery key, creating it when the backend
// holds no escrowed record. Concurrent calls share one run.
func (c *Custodian) Bootstrap(ctx context.Context) error {
	return c.single(ctx, func(ctx context.Context) error {
		record, err := c.escrow.GetSecurityKey(ctx)
		if err != nil {
			return transportError("fetch escrowed security key", err)
		}
		if record == nil {
			return c.create(ctx)
		}
		return c.recover(ctx, record)
	})
}

// Create generates, installs and escrows a new recovery key, replacing any escrowed one.
func (c *Custodian) Create(ctx context.Context) error {
	return c.single(ctx, c.create)
}

// Recover resolves the key sealed in record.
func (c *Custodian) Recover(ctx context.Context, record *interfaces.EscrowedSecurityKeyRecord) error {
	return c.single(ctx, func(ctx context.Context) error {
		return c.recover(ctx, record)
	})
}

// flight is one run shared by Bootstrap, Create and Recover. The run's
// context is detached from the caller that started it and is cancelled only
// once every waiter has stopped waiting.
type flight struct {
	key       string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	waiters   int
	abandoned bool
}

// single runs fn unless a run is already in flight, in which case the caller
// waits for that run's result. A caller whose ctx ends stops waiting without
// affecting the others. An abandoned run is waited out before a new one starts.
func (c *Custodian) single(ctx context.Context, fn func(context.Context) error) error {
	for {
		c.flightMu.Lock()
		f := c.current
		if f != nil && f.abandoned {
			c.flightMu.Unlock()
			select {
			case <-f.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if f == nil {
			c.generation++
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			f = &flight{
				key:    strconv.FormatUint(c.generation, 10),
				ctx:    runCtx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			c.current = f
		}
		f.waiters++
		// While f is current its fn has not returned, so this joins the run.
		ch := c.group.DoChan(f.key, func() (any, error) {
			defer c.finish(f)
			return nil, fn(f.ctx)
		})
		c.flightMu.Unlock()

		select {
		case res := <-ch:
			c.leave(f, false)
			if res.Shared {
				c.log.Debug("Joined in-flight key custody run")
			}
			return res.Err
		case <-ctx.Done():
			c.leave(f, true)
			return ctx.Err()
		}
	}
}

func (c *Custodian) finish(f *flight) {
	c.flightMu.Lock()
	if c.current == f {
		c.current = nil
	}
	c.flightMu.Unlock()
	f.cancel()
	close(f.done)
}

func (c *Custodian) leave(f *flight, gaveUp bool) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if gaveUp && f.waiters == 0 && c.current == f {
		f.abandoned = true
		f.cancel()
	}
}

func (c *Custodian) create(ctx context.Context) error {
	adapter, err := c.adapters.ForCredential(c.account.Credential)
	if err != nil {
		return err
	}

	key, err := cryptoutils.GenerateRecoveryKey()
	if err != nil {
		return err
	}

	// Sealing may prompt the user; nothing is committed before it succeeds.
	sealed, err := adapter.Seal(ctx, c.account, key)
	if err != nil {
		return fmt.Errorf("failed to seal recovery key: %w", err)
	}

	if err := c.engine.BootstrapSecretStorage(ctx, key); err != nil {
		return fmt.Errorf("failed to bootstrap secret storage: %w", err)
	}
	if err := c.engine.BootstrapCrossSigning(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap cross-signing: %w", err)
	}

	if err := c.escrow.SaveSecurityKey(ctx, sealed, true); err != nil {
		return transportError("escrow security key", err)
	}

	if err := c.engine.CacheSecretStorageKey(ctx, key); err != nil {
		return fmt.Errorf("failed to cache secret storage key: %w", err)
	}
	c.writeCache(ctx, key)
	c.setKey(key)

	c.log.Info("Recovery key created and escrowed", "credential", c.account.Credential)
	return nil
}

func (c *Custodian) recover(ctx context.Context, record *interfaces.EscrowedSecurityKeyRecord) error {
	if key, ok := c.fromCache(ctx); ok {
		return c.accept(ctx, key, false)
	}

	adapter, err := c.adapters.ForCredential(c.account.Credential)
	if err != nil {
		return err
	}

	key, err := adapter.Unseal(ctx, c.account, record.Ciphertext)
	if err != nil {
		return c.unsealError(ctx, adapter, err)
	}

	valid, err := c.engine.CheckSecretStorageKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to validate recovery key: %w", err)
	}
	if !valid {
		adapter.Forget()
		c.clearCache(ctx)
		c.log.Error("Escrowed recovery key does not match secret storage")
		return interfaces.ErrInvalidRecoveryKey
	}

	return c.accept(ctx, key, true)
}

// unsealError maps an adapter failure. For password accounts an
// unauthenticated ciphertext means the password was wrong; for wallet
// accounts it means the record was not sealed to this wallet.
func (c *Custodian) unsealError(ctx context.Context, adapter interfaces.SealingAdapter, err error) error {
	switch {
	case c.account.Credential == interfaces.CredentialPassword &&
		(errors.Is(err, interfaces.ErrUnsealFailed) || errors.Is(err, interfaces.ErrWrongPassword)):
		adapter.Forget()
		c.log.Info("Password did not open the escrowed key")
		return fmt.Errorf("%w: %v", interfaces.ErrWrongPassword, err)
	case errors.Is(err, interfaces.ErrUnsealFailed):
		c.clearCache(ctx)
		c.log.Error("Escrowed recovery key could not be unsealed", "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidRecoveryKey, err)
	case errors.Is(err, interfaces.ErrAccountMismatch):
		return err
	default:
		c.log.Info("Recovery key unseal failed", "err", err)
		return err
	}
}

// fromCache returns a cached key that passes validation. Entries failing
// validation are cleared.
func (c *Custodian) fromCache(ctx context.Context) (interfaces.RecoveryKey, bool) {
	key, ok, err := c.cache.Get(ctx, c.account.ID)
	if err != nil {
		c.log.Warn("Local key cache unavailable", "err", err)
		return interfaces.RecoveryKey{}, false
	}
	if !ok {
		return interfaces.RecoveryKey{}, false
	}

	valid, err := c.engine.CheckSecretStorageKey(ctx, key)
	if err != nil {
		c.log.Warn("Could not validate cached recovery key", "err", err)
		return interfaces.RecoveryKey{}, false
	}
	if !valid {
		c.log.Warn("Discarding cached recovery key that fails validation")
		c.clearCache(ctx)
		return interfaces.RecoveryKey{}, false
	}
	return key, true
}

func (c *Custodian) accept(ctx context.Context, key interfaces.RecoveryKey, writeCache bool) error {
	if err := c.engine.CacheSecretStorageKey(ctx, key); err != nil {
		return fmt.Errorf("failed to cache secret storage key: %w", err)
	}
	if writeCache {
		c.writeCache(ctx, key)
	}
	c.setKey(key)
	c.log.Info("Recovery key resolved", "fromCache", !writeCache)

	if c.roomKeys != nil {
		if err := c.roomKeys.Bootstrap(ctx); err != nil {
			c.log.Warn("Initial room key bootstrap failed", "err", err)
		}
	}
	return nil
}

func (c *Custodian) writeCache(ctx context.Context, key interfaces.RecoveryKey) {
	if err := c.cache.Put(ctx, c.account.ID, key); err != nil {
		c.log.Warn("Failed to write local key cache", "err", err)
	}
}

func (c *Custodian) clearCache(ctx context.Context) {
	if err := c.cache.Clear(ctx, c.account.ID); err != nil {
		c.log.Warn("Failed to clear local key cache", "err", err)
	}
}

func (c *Custodian) setKey(key interfaces.RecoveryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key
	c.key = &k
}

// Ready reports whether a recovery key has been resolved.
func (c *Custodian) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key != nil
}

// Key returns the resolved recovery key.
func (c *Custodian) Key() (interfaces.RecoveryKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return interfaces.RecoveryKey{}, false
	}
	return *c.key, true
}

// Reset drops the in-memory key and any credential the adapter cached.
// The local key cache is kept.
func (c *Custodian) Reset() {
	c.mu.Lock()
	if c.key != nil {
		cryptoutils.Wipe(c.key.PrivateKey[:])
		c.key = nil
	}
	c.mu.Unlock()

	if adapter, err := c.adapters.ForCredential(c.account.Credential); err == nil {
		adapter.Forget()
	}
}

// transportError marks backend failures as retryable unless they are
// already classified.
func transportError(op string, err error) error {
	if interfaces.Classify(err) != interfaces.ClassUnknown || errors.Is(err, interfaces.ErrEscrowConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, interfaces.ErrNetwork, err)
}
