// Package storage provides keyed blob storage with pluggable backends.
//
// Backends implement interfaces.BlobStore:
//
//   - memory:// in-process map, for tests and ephemeral sessions
//   - file:///path local filesystem, one file per key
//   - s3://bucket/prefix?region=... Amazon S3 or compatible object storage
//   - vault://host:port/mount/path HashiCorp Vault KV v2
//
// Keys are slash-separated paths such as "keycache/<hash>" or
// "escrow/<account>/roomkeys/<session>". Backends map them onto their native
// namespace; the file backend refuses keys that would escape its base directory.
//
// # Multi-Backend Storage
//
// MultiStorageBackend aggregates backends for redundancy:
//
//   - Put and Delete: applied to every available backend, success if any succeeds
//   - Get: tries each backend until the key is found
//   - List: union of keys across available backends
//   - Available: true if any backend is available
//
// # Usage Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	loc, _ := interfaces.NewStorageBackendLocation("file:///var/lib/keyclient/")
//	store, err := factory.StorageBackendFor(loc)
//	if err != nil {
//	    log.Fatalf("Failed to create storage: %v", err)
//	}
//	err = store.Put(ctx, "keycache/abc", sealed)
package storage
