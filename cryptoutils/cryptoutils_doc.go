// Package cryptoutils provides the cryptographic primitives of the key custody
// subsystem.
//
// # Wallet Envelopes
//
// EncryptToPublicKey seals data to an x25519 public key using the
// x25519-xsalsa20-poly1305 scheme understood by Ethereum wallets:
//
//   - A fresh ephemeral x25519 key pair per encryption
//   - NaCl box (XSalsa20-Poly1305) keyed by the ephemeral/recipient shared secret
//   - A 24-byte random nonce
//
// The result is an EncryptedData envelope, serialized as JSON with base64 fields:
//
//	{"version":"x25519-xsalsa20-poly1305","nonce":"...","ephemPublicKey":"...","ciphertext":"..."}
//
// # Password Key Pairs
//
// DerivePasswordKeyPair stretches a password with Argon2id into an x25519 key
// pair. SealWithKeyPair and OpenWithKeyPair use the pair's self shared key as a
// symmetric NaCl box key. A wrong password fails authentication on open.
//
// # Account-Bound Symmetric Keys
//
// DeriveAccountKey computes HMAC-SHA256 over an account identity with a fixed
// domain string as key. SealAESGCM and OpenAESGCM encrypt with AES-256-GCM:
//
//	[iv (12 bytes)][ciphertext || tag]
//
// # Recovery Keys
//
// GenerateRecoveryKey returns 32 random bytes with their human-readable form:
// the bytes prefixed with 0x8B 0x01, followed by an XOR parity byte, encoded with
// the Bitcoin base58 alphabet and grouped in blocks of four characters.
//
// # Secret-Storage Key Check
//
// NewSecretStorageDescriptor binds a recovery key to a descriptor {iv, mac}: the
// MAC is HMAC-SHA256 over AES-256-CTR(32 zero bytes), with both keys expanded by
// HKDF-SHA256 from the recovery key. VerifySecretStorageKey recomputes it.
package cryptoutils
