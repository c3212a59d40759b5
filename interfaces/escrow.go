package interfaces

import (
	"context"
	"time"
)

// EscrowAPI is the backend escrow surface consumed by the custodian and the
// room key synchronizer. All calls are scoped to the signed-in account.
type EscrowAPI interface {
	// GetSecurityKey returns the account's escrowed record, or nil if none exists.
	GetSecurityKey(ctx context.Context) (*EscrowedSecurityKeyRecord, error)

	// SaveSecurityKey escrows a sealed recovery key. Without forceSave an
	// existing record is not replaced and ErrEscrowConflict is returned.
	SaveSecurityKey(ctx context.Context, ciphertext []byte, forceSave bool) error

	// SaveRoomKeys uploads session keys and returns peer-uploaded records the
	// caller has not seen since the given time, together with the server time
	// to pass on the next call.
	SaveRoomKeys(ctx context.Context, since time.Time, sessions []SessionKeyRecord) (imported []SessionKeyRecord, serverTime time.Time, err error)

	// ListRoomKeys returns every session key uploaded for the account.
	ListRoomKeys(ctx context.Context) ([]SessionKeyRecord, error)
}
