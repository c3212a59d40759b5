// Package accountsession owns the key custody components of one signed-in
// account. A Session is created at sign-in and discarded after Logout; no
// state is shared between sessions.
package accountsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ruteri/e2ee-key-custody/custodian"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/keycache"
	"github.com/ruteri/e2ee-key-custody/roomkeys"
	"github.com/ruteri/e2ee-key-custody/sessioncache"
)

// ErrLoggedOut is returned by Login on a session that was logged out.
var ErrLoggedOut = errors.New("session logged out")

// Config describes the account and the device-side collaborators of a Session.
type Config struct {
	Account  interfaces.Account
	Adapters custodian.AdapterSelector
	// CacheStore persists the local key cache on the device.
	CacheStore interfaces.BlobStore
	Escrow     interfaces.EscrowAPI
	Engine     interfaces.MessagingEngine
	Sync       roomkeys.Config
	Log        *slog.Logger
}

// Session is the key custody context of one signed-in account. It owns the
// custodian, the session id cache and the room key synchronizer.
type Session struct {
	account   interfaces.Account
	custodian *custodian.Custodian
	seen      *sessioncache.Cache
	sync      *roomkeys.Synchronizer
	log       *slog.Logger

	mu        sync.Mutex
	loggedIn  bool
	loggedOut bool
}

// New wires a Session for cfg.Account. Nothing runs until Login.
func New(cfg Config) (*Session, error) {
	if cfg.Log == nil {
		return nil, errors.New("accountsession: log is required")
	}
	if cfg.CacheStore == nil || cfg.Escrow == nil || cfg.Engine == nil {
		return nil, errors.New("accountsession: cache store, escrow and engine are required")
	}
	log := cfg.Log.With("account", cfg.Account.ID)

	seen := sessioncache.New()
	synchronizer := roomkeys.NewSynchronizer(cfg.Engine, cfg.Escrow, seen, cfg.Sync, log)

	c, err := custodian.New(custodian.Config{
		Account:  cfg.Account,
		Adapters: cfg.Adapters,
		Cache:    keycache.New(cfg.CacheStore, log),
		Escrow:   cfg.Escrow,
		Engine:   cfg.Engine,
		RoomKeys: synchronizer,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		account:   cfg.Account,
		custodian: c,
		seen:      seen,
		sync:      synchronizer,
		log:       log,
	}, nil
}

// Login resolves the recovery key and starts room key synchronization.
// A failed Login may be repeated; Outcome tells the UI what to ask for.
func (s *Session) Login(ctx context.Context) (custodian.Outcome, error) {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return custodian.NetworkError, ErrLoggedOut
	}
	s.mu.Unlock()

	if err := s.custodian.Bootstrap(ctx); err != nil {
		outcome := custodian.OutcomeOf(err)
		s.log.Warn("Key custody bootstrap failed", "outcome", outcome, "class", interfaces.Classify(err), "err", err)
		return outcome, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOut {
		return custodian.NetworkError, ErrLoggedOut
	}
	if !s.loggedIn {
		s.sync.Start()
		s.loggedIn = true
	}
	s.log.Info("Account session ready")
	return custodian.Success, nil
}

// Logout stops synchronization and drops key material held in memory.
// The local key cache survives so the next sign-in on this device is silent.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return
	}
	s.loggedOut = true
	s.loggedIn = false
	s.mu.Unlock()

	s.sync.Stop()
	s.custodian.Reset()
	s.log.Info("Account session closed")
}

func (s *Session) Account() interfaces.Account { return s.account }

func (s *Session) Custodian() *custodian.Custodian { return s.custodian }

func (s *Session) Synchronizer() *roomkeys.Synchronizer { return s.sync }

func (s *Session) SessionCache() *sessioncache.Cache { return s.seen }
