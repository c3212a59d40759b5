// Package engine provides an in-process MessagingEngine.
//
// MemoryEngine keeps the secret-storage descriptor in an account-data store,
// which devices of the same account share, and keeps session keys per device.
// It is used by the key client and by tests in place of a full protocol engine.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

var (
	// ErrSecretStorageMissing is returned when the account has no secret storage yet.
	ErrSecretStorageMissing = errors.New("secret storage not bootstrapped")

	// ErrSecretStorageLocked is returned when no validated key is cached.
	ErrSecretStorageLocked = errors.New("secret storage key not cached")
)

// MemoryEngine implements interfaces.MessagingEngine.
type MemoryEngine struct {
	accountID   interfaces.AccountID
	accountData interfaces.BlobStore
	log         *slog.Logger

	mu           sync.Mutex
	sessions     map[string]interfaces.SessionKeyRecord
	cachedKey    *interfaces.RecoveryKey
	crossSigning bool

	subMu       sync.Mutex
	subscribers map[int]func(interfaces.SessionEvent)
	nextSub     int
}

// NewMemoryEngine creates an engine for one device of the account.
func NewMemoryEngine(accountID interfaces.AccountID, accountData interfaces.BlobStore, log *slog.Logger) *MemoryEngine {
	return &MemoryEngine{
		accountID:   accountID,
		accountData: accountData,
		log:         log,
		sessions:    make(map[string]interfaces.SessionKeyRecord),
		subscribers: make(map[int]func(interfaces.SessionEvent)),
	}
}

func (e *MemoryEngine) descriptorKey() string {
	return "accountdata/" + e.accountID.String() + "/secret-storage/default"
}

func (e *MemoryEngine) crossSigningKey() string {
	return "accountdata/" + e.accountID.String() + "/cross-signing"
}

// BootstrapSecretStorage writes a fresh descriptor for key, replacing any previous one.
func (e *MemoryEngine) BootstrapSecretStorage(ctx context.Context, key interfaces.RecoveryKey) error {
	desc, err := cryptoutils.NewSecretStorageDescriptor(uuid.NewString(), key.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to create secret storage descriptor: %w", err)
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	if err := e.accountData.Put(ctx, e.descriptorKey(), data); err != nil {
		return fmt.Errorf("failed to store secret storage descriptor: %w", err)
	}

	e.mu.Lock()
	k := key
	e.cachedKey = &k
	e.mu.Unlock()

	e.log.Info("Secret storage bootstrapped", "account", e.accountID, "keyID", desc.KeyID)
	return nil
}

// BootstrapCrossSigning records the account's cross-signing identity.
// It requires an unlocked secret storage.
func (e *MemoryEngine) BootstrapCrossSigning(ctx context.Context) error {
	e.mu.Lock()
	unlocked := e.cachedKey != nil
	e.mu.Unlock()
	if !unlocked {
		return ErrSecretStorageLocked
	}

	identity := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, identity); err != nil {
		return fmt.Errorf("failed to generate cross-signing identity: %w", err)
	}
	if err := e.accountData.Put(ctx, e.crossSigningKey(), identity); err != nil {
		return fmt.Errorf("failed to store cross-signing identity: %w", err)
	}

	e.mu.Lock()
	e.crossSigning = true
	e.mu.Unlock()

	e.log.Info("Cross-signing bootstrapped", "account", e.accountID)
	return nil
}

// CheckSecretStorageKey verifies candidate against the stored descriptor.
func (e *MemoryEngine) CheckSecretStorageKey(ctx context.Context, candidate interfaces.RecoveryKey) (bool, error) {
	data, err := e.accountData.Get(ctx, e.descriptorKey())
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return false, ErrSecretStorageMissing
	}
	if err != nil {
		return false, fmt.Errorf("failed to read secret storage descriptor: %w", err)
	}

	var desc cryptoutils.SecretStorageDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return false, fmt.Errorf("failed to parse secret storage descriptor: %w", err)
	}

	return cryptoutils.VerifySecretStorageKey(&desc, candidate.PrivateKey)
}

// CacheSecretStorageKey installs a key for later secret-storage access.
func (e *MemoryEngine) CacheSecretStorageKey(ctx context.Context, key interfaces.RecoveryKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := key
	e.cachedKey = &k
	return nil
}

// SecretStorageUnlocked reports whether a key has been cached.
func (e *MemoryEngine) SecretStorageUnlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachedKey != nil
}

// CrossSigningReady reports whether this device bootstrapped cross-signing.
func (e *MemoryEngine) CrossSigningReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crossSigning
}

// ExportSessionKeys returns the device's session keys ordered by session id.
func (e *MemoryEngine) ExportSessionKeys(ctx context.Context) ([]interfaces.SessionKeyRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]interfaces.SessionKeyRecord, 0, len(e.sessions))
	for _, r := range e.sessions {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SessionID < records[j].SessionID })
	return records, nil
}

// ImportSessionKeys adds records for sessions the device does not hold.
// Known session ids are left untouched.
func (e *MemoryEngine) ImportSessionKeys(ctx context.Context, records []interfaces.SessionKeyRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, r := range records {
		if r.SessionID == "" {
			return fmt.Errorf("session record for room %q has no session id", r.RoomID)
		}
		if _, ok := e.sessions[r.SessionID]; ok {
			continue
		}
		e.sessions[r.SessionID] = r
		added++
	}

	e.log.Debug("Imported session keys", "account", e.accountID, "received", len(records), "added", added)
	return nil
}

// HasSession reports whether the device can decrypt the session.
func (e *MemoryEngine) HasSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	return ok
}

// EstablishSession creates a new outbound session for the room and notifies subscribers.
func (e *MemoryEngine) EstablishSession(roomID string) (interfaces.SessionKeyRecord, error) {
	payload := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, payload); err != nil {
		return interfaces.SessionKeyRecord{}, fmt.Errorf("failed to generate session key: %w", err)
	}

	record := interfaces.SessionKeyRecord{
		RoomID:         roomID,
		SessionID:      uuid.NewString(),
		SessionPayload: payload,
	}

	e.mu.Lock()
	e.sessions[record.SessionID] = record
	e.mu.Unlock()

	e.emit(interfaces.SessionEvent{Kind: interfaces.SessionEstablished, RoomID: roomID, SessionID: record.SessionID})
	return record, nil
}

// ReceiveEvent simulates an inbound encrypted event. Subscribers are notified
// when the session is unknown to the device.
func (e *MemoryEngine) ReceiveEvent(roomID, sessionID string) bool {
	if e.HasSession(sessionID) {
		return true
	}
	e.emit(interfaces.SessionEvent{Kind: interfaces.InboundUnknownSession, RoomID: roomID, SessionID: sessionID})
	return false
}

func (e *MemoryEngine) SubscribeSessionEvents(handler func(interfaces.SessionEvent)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = handler

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subscribers, id)
	}
}

func (e *MemoryEngine) emit(ev interfaces.SessionEvent) {
	e.subMu.Lock()
	handlers := make([]func(interfaces.SessionEvent), 0, len(e.subscribers))
	for _, h := range e.subscribers {
		handlers = append(handlers, h)
	}
	e.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
