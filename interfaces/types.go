package interfaces

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountID identifies a signed-in messaging account.
type AccountID string

// String returns the account identifier.
func (id AccountID) String() string {
	return string(id)
}

// CredentialKind selects the sealing strategy used for an account's recovery key.
type CredentialKind int

const (
	// CredentialWallet seals the recovery key to the public encryption key of an external wallet.
	CredentialWallet CredentialKind = iota
	// CredentialPassword seals the recovery key under a key derived from a user password.
	CredentialPassword
)

// String returns the credential kind name.
func (k CredentialKind) String() string {
	switch k {
	case CredentialWallet:
		return "wallet"
	case CredentialPassword:
		return "password"
	default:
		return "unknown"
	}
}

// ParseCredentialKind parses a credential kind name as produced by String.
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch strings.ToLower(s) {
	case "wallet":
		return CredentialWallet, nil
	case "password":
		return CredentialPassword, nil
	default:
		return 0, fmt.Errorf("unknown credential kind %q", s)
	}
}

// Account is the signed-in identity a Custodian works for.
// WalletAddress is only meaningful for CredentialWallet accounts and holds
// the address registered with the backend at sign-up.
type Account struct {
	ID            AccountID
	Credential    CredentialKind
	WalletAddress common.Address
}

// RecoveryKey is the master secret deriving the account's secret-storage key.
type RecoveryKey struct {
	PrivateKey [32]byte
	Encoded    string
}

// IsZero reports whether the key is unset.
func (k RecoveryKey) IsZero() bool {
	return k.PrivateKey == [32]byte{}
}

// EscrowedSecurityKeyRecord is the server-held ciphertext of an account's recovery key.
type EscrowedSecurityKeyRecord struct {
	OwnerAccountID AccountID `json:"ownerAccountId"`
	Ciphertext     []byte    `json:"ciphertext"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionKeyRecord is one exported session key of the messaging engine.
type SessionKeyRecord struct {
	RoomID         string `json:"roomId"`
	SessionID      string `json:"sessionId"`
	SessionPayload []byte `json:"sessionPayload"`
}

// SessionEventKind distinguishes the engine notifications the synchronizer reacts to.
type SessionEventKind int

const (
	// SessionEstablished is emitted when the engine creates a new session key object.
	SessionEstablished SessionEventKind = iota
	// InboundUnknownSession is emitted when an inbound event references a session the engine cannot decrypt.
	InboundUnknownSession
)

// String returns the event kind name.
func (k SessionEventKind) String() string {
	switch k {
	case SessionEstablished:
		return "session_established"
	case InboundUnknownSession:
		return "inbound_unknown_session"
	default:
		return "unknown"
	}
}

// SessionEvent is a messaging engine notification about a session key.
type SessionEvent struct {
	Kind      SessionEventKind
	RoomID    string
	SessionID string
}
