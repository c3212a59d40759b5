/*
Package api defines the escrow backend API shared by the client and the server.

The escrow backend stores, per account, one sealed recovery key and the set of
session keys uploaded by the account's devices. It never sees plaintext keys.

Subpackages:

  - escrowhandler: chi handler and blob-store backed implementation of the backend
  - escrowclient: HTTP client implementing interfaces.EscrowAPI

# Endpoints

	GET  /api/securityKey      200 EscrowedSecurityKeyRecord, 204 when none exists
	POST /api/securityKey      SaveSecurityKeyRequest; 409 if a record exists and forceSave is false
	POST /api/roomKeys/save    SaveRoomKeysRequest -> SaveRoomKeysResponse
	GET  /api/roomKeys/list    ListRoomKeysResponse

Every request carries the account in the X-Account-Id header. Authentication
happens upstream.
*/
package api
