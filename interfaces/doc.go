// Package interfaces defines the core types and collaborator contracts of the
// end-to-end-encryption key custody subsystem, separating interface definitions
// from their implementations.
//
// # Data Model
//
//   - RecoveryKey: the account's master secret from which the secret-storage key is derived
//   - EscrowedSecurityKeyRecord: server-held ciphertext of the recovery key, opaque to the server
//   - SessionKeyRecord: one exported conversation session key, identified by its session ID
//
// # Collaborators
//
//   - MessagingEngine: the messaging protocol engine (secret storage, cross-signing, session keys)
//   - EscrowAPI: the backend escrow endpoints for the security key and room keys
//   - Wallet: an external, user-interactive wallet signer
//   - SealingAdapter: a strategy that seals/unseals the recovery key under a user credential
//   - BlobStore: keyed blob storage used by the local key cache, the reference engine
//     and the escrow server
//
// # Errors
//
// Failures are reported with sentinel errors wrapped by the producing component.
// Classify maps any error of this package to one of four classes:
// user interaction, credential, validation and transport.
package interfaces
