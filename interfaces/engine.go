package interfaces

import "context"

// MessagingEngine is the subset of the messaging protocol engine the key
// custody subsystem drives. Implementations own the encryption protocol; this
// subsystem only hands keys in and out of it.
type MessagingEngine interface {
	// BootstrapSecretStorage creates the account's secret storage keyed by the recovery key.
	BootstrapSecretStorage(ctx context.Context, key RecoveryKey) error

	// BootstrapCrossSigning establishes device and identity trust. Invoked once at key creation.
	BootstrapCrossSigning(ctx context.Context) error

	// CheckSecretStorageKey validates a candidate recovery key against the
	// account's secret-storage descriptor.
	CheckSecretStorageKey(ctx context.Context, candidate RecoveryKey) (bool, error)

	// CacheSecretStorageKey installs a validated key into the engine's secret-storage cache.
	CacheSecretStorageKey(ctx context.Context, key RecoveryKey) error

	// ExportSessionKeys returns every session key object the engine currently holds.
	ExportSessionKeys(ctx context.Context) ([]SessionKeyRecord, error)

	// ImportSessionKeys adds session keys uploaded by other devices.
	ImportSessionKeys(ctx context.Context, records []SessionKeyRecord) error

	// SubscribeSessionEvents registers a handler for session notifications.
	// The returned function removes the subscription.
	SubscribeSessionEvents(handler func(SessionEvent)) (unsubscribe func())
}
