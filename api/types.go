package api

import (
	"time"

	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// AccountIDHeader carries the authenticated account on every escrow request.
// It is set by the authenticating proxy in front of the escrow server.
const AccountIDHeader = "X-Account-Id"

// Escrow API paths.
const (
	SecurityKeyPath  = "/api/securityKey"
	SaveRoomKeysPath = "/api/roomKeys/save"
	ListRoomKeysPath = "/api/roomKeys/list"
)

// SaveSecurityKeyRequest is the body of POST /api/securityKey.
type SaveSecurityKeyRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	ForceSave  bool   `json:"forceSave"`
}

// SaveRoomKeysRequest is the body of POST /api/roomKeys/save.
// Time is the server time returned by the previous call, zero on the first one.
type SaveRoomKeysRequest struct {
	Time     time.Time                     `json:"time"`
	Sessions []interfaces.SessionKeyRecord `json:"sessions"`
}

// SaveRoomKeysResponse carries peer-uploaded records the caller has not seen.
type SaveRoomKeysResponse struct {
	Imported []interfaces.SessionKeyRecord `json:"imported"`
	Time     time.Time                     `json:"time"`
}

// ListRoomKeysResponse is the body of GET /api/roomKeys/list.
type ListRoomKeysResponse struct {
	Sessions []interfaces.SessionKeyRecord `json:"sessions"`
}
