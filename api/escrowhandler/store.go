package escrowhandler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/metrics"
)

// Store implements the escrow backend over a BlobStore.
//
// Layout:
//
//	securitykey/<sha256(account)>                   EscrowedSecurityKeyRecord
//	roomkeys/<sha256(account)>/<hex(sessionId)>     storedRoomKey
type Store struct {
	blobs   interfaces.BlobStore
	clock   clock.Clock
	metrics *metrics.EscrowMetrics
	log     *slog.Logger

	// mu serializes writes so check-then-put on a record is atomic within
	// one server process.
	mu sync.Mutex
	// lastStamp keeps room key timestamps strictly increasing across calls.
	lastStamp time.Time
}

type storedRoomKey struct {
	Record   interfaces.SessionKeyRecord `json:"record"`
	StoredAt time.Time                   `json:"storedAt"`
}

// NewStore creates a store. clk and m may be nil.
func NewStore(blobs interfaces.BlobStore, clk clock.Clock, m *metrics.EscrowMetrics, log *slog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		blobs:   blobs,
		clock:   clk,
		metrics: m,
		log:     log,
	}
}

func accountHash(account interfaces.AccountID) string {
	sum := sha256.Sum256([]byte(account))
	return hex.EncodeToString(sum[:])
}

func securityKeyPath(account interfaces.AccountID) string {
	return "securitykey/" + accountHash(account)
}

func roomKeysPrefix(account interfaces.AccountID) string {
	return "roomkeys/" + accountHash(account) + "/"
}

func roomKeyPath(account interfaces.AccountID, sessionID string) string {
	return roomKeysPrefix(account) + hex.EncodeToString([]byte(sessionID))
}

// GetSecurityKey returns the account's record or nil.
func (s *Store) GetSecurityKey(ctx context.Context, account interfaces.AccountID) (*interfaces.EscrowedSecurityKeyRecord, error) {
	data, err := s.blobs.Get(ctx, securityKeyPath(account))
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record interfaces.EscrowedSecurityKeyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt security key record: %w", err)
	}
	return &record, nil
}

// SaveSecurityKey writes the account's record. Without force an existing
// record is kept and ErrEscrowConflict returned. Overwrites keep CreatedAt.
func (s *Store) SaveSecurityKey(ctx context.Context, account interfaces.AccountID, ciphertext []byte, force bool) error {
	if len(ciphertext) == 0 {
		return errors.New("empty ciphertext")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetSecurityKey(ctx, account)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	record := interfaces.EscrowedSecurityKeyRecord{
		OwnerAccountID: account,
		Ciphertext:     ciphertext,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	outcome := "created"
	if existing != nil {
		if !force {
			s.metrics.SecurityKeyWrite("conflict")
			return interfaces.ErrEscrowConflict
		}
		record.CreatedAt = existing.CreatedAt
		outcome = "overwritten"
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, securityKeyPath(account), data); err != nil {
		return err
	}

	s.metrics.SecurityKeyWrite(outcome)
	s.log.Info("Security key stored", "account", account, "outcome", outcome)
	return nil
}

// SaveRoomKeys stores records not yet known for the account and returns
// records stored after since whose session id is not in the request.
// Existing session ids are never overwritten.
func (s *Store) SaveRoomKeys(ctx context.Context, account interfaces.AccountID, since time.Time, sessions []interfaces.SessionKeyRecord) ([]interfaces.SessionKeyRecord, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	requested := make(map[string]struct{}, len(sessions))
	stored := 0

	for _, r := range sessions {
		if r.SessionID == "" {
			return nil, time.Time{}, errors.New("session record without session id")
		}
		requested[r.SessionID] = struct{}{}

		path := roomKeyPath(account, r.SessionID)
		_, err := s.blobs.Get(ctx, path)
		if err == nil {
			continue
		}
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, time.Time{}, err
		}

		data, err := json.Marshal(storedRoomKey{Record: r, StoredAt: now})
		if err != nil {
			return nil, time.Time{}, err
		}
		if err := s.blobs.Put(ctx, path, data); err != nil {
			return nil, time.Time{}, err
		}
		stored++
	}

	all, err := s.listStored(ctx, account)
	if err != nil {
		return nil, time.Time{}, err
	}

	imported := make([]interfaces.SessionKeyRecord, 0)
	for _, rk := range all {
		if _, ok := requested[rk.Record.SessionID]; ok {
			continue
		}
		if !rk.StoredAt.After(since) {
			continue
		}
		imported = append(imported, rk.Record)
	}

	s.metrics.RoomKeysStored(stored)
	s.metrics.RoomKeysReturned(len(imported))
	s.log.Debug("Room keys saved", "account", account, "received", len(sessions), "stored", stored, "returned", len(imported))
	return imported, now, nil
}

// ListRoomKeys returns every record stored for the account.
func (s *Store) ListRoomKeys(ctx context.Context, account interfaces.AccountID) ([]interfaces.SessionKeyRecord, error) {
	all, err := s.listStored(ctx, account)
	if err != nil {
		return nil, err
	}
	records := make([]interfaces.SessionKeyRecord, 0, len(all))
	for _, rk := range all {
		records = append(records, rk.Record)
	}
	s.metrics.RoomKeysReturned(len(records))
	return records, nil
}

func (s *Store) listStored(ctx context.Context, account interfaces.AccountID) ([]storedRoomKey, error) {
	prefix := roomKeysPrefix(account)
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	result := make([]storedRoomKey, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := s.blobs.Get(ctx, key)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var rk storedRoomKey
		if err := json.Unmarshal(data, &rk); err != nil {
			s.log.Warn("Skipping corrupt room key record", "key", key, "err", err)
			continue
		}
		result = append(result, rk)
	}
	return result, nil
}

// ForAccount returns an in-process EscrowAPI scoped to account.
func (s *Store) ForAccount(account interfaces.AccountID) interfaces.EscrowAPI {
	return &accountEscrow{store: s, account: account}
}

type accountEscrow struct {
	store   *Store
	account interfaces.AccountID
}

func (a *accountEscrow) GetSecurityKey(ctx context.Context) (*interfaces.EscrowedSecurityKeyRecord, error) {
	return a.store.GetSecurityKey(ctx, a.account)
}

func (a *accountEscrow) SaveSecurityKey(ctx context.Context, ciphertext []byte, forceSave bool) error {
	return a.store.SaveSecurityKey(ctx, a.account, ciphertext, forceSave)
}

func (a *accountEscrow) SaveRoomKeys(ctx context.Context, since time.Time, sessions []interfaces.SessionKeyRecord) ([]interfaces.SessionKeyRecord, time.Time, error) {
	return a.store.SaveRoomKeys(ctx, a.account, since, sessions)
}

func (a *accountEscrow) ListRoomKeys(ctx context.Context) ([]interfaces.SessionKeyRecord, error) {
	return a.store.ListRoomKeys(ctx, a.account)
}
