// Package adapter implements the sealing strategies for the recovery key.
//
// WalletAdapter seals the key to the x25519 encryption key published by the
// account's wallet; unsealing asks the wallet to decrypt, which requires the
// user's approval. PasswordAdapter seals the key with a key pair derived from a
// password supplied through a PasswordRequester.
//
// Neither adapter judges whether an unsealed key is the right one: the
// custodian validates every result against the engine's secret storage.
package adapter
